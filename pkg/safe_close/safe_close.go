package safe_close

import "sync"

// SafeClose coordinates the shutdown of a service and the goroutines it
// started. CloseWait returns only after all of them exited.
//
//  1. The main goroutine waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Sub goroutines are started by Attach or Serve and exit on the close signal.
//  3. Any goroutine may call SendCloseSignal on a fatal error. It must not
//     call CloseWait, which would deadlock.
//  4. Any third party caller can call CloseWait to close the service.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends a close signal and blocks until Done is called and
// every attached goroutine returned. It can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends a close signal. The first non-nil err sent
// before the signal is kept and returned by Err.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// Err returns the error of the first SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach runs f in a new goroutine tracked by CloseWait. f must return
// after closeSignal is closed and call done when it returns.
// Attach reports false and does not run f if s is already closed.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) bool {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return false
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go f(s.wg.Done, s.closeSignal)
	return true
}

// Serve attaches a blocking run function. If run returns first, its
// error closes s. If s is closed first, stop is called and must make
// run return. Serve reports false if s is already closed.
func (s *SafeClose) Serve(run func() error, stop func()) bool {
	return s.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- run()
		}()
		select {
		case err := <-errChan:
			s.SendCloseSignal(err)
		case <-closeSignal:
			stop()
			<-errChan
		}
	})
}

// Done notifies CloseWait that the main goroutine is done.
// It can be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
