package safe_close

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeClose_Serve(t *testing.T) {
	s := NewSafeClose()
	stopped := make(chan struct{})
	require.True(t, s.Serve(func() error {
		<-stopped
		return errors.New("stopped")
	}, func() { close(stopped) }))

	s.Done()
	s.CloseWait()
	assert.NoError(t, s.Err())

	select {
	case <-stopped:
	default:
		t.Fatal("stop was not called")
	}

	// Nothing runs once closed.
	assert.False(t, s.Attach(func(done func(), _ <-chan struct{}) { done() }))
}

func TestSafeClose_runErrorCloses(t *testing.T) {
	s := NewSafeClose()
	wantErr := errors.New("listener failed")
	s.Serve(func() error { return wantErr }, func() {})

	select {
	case <-s.ReceiveCloseSignal():
	case <-time.After(time.Second):
		t.Fatal("no close signal")
	}
	s.Done()
	s.CloseWait()
	assert.ErrorIs(t, s.Err(), wantErr)

	// Later signals keep the first error.
	s.SendCloseSignal(errors.New("late"))
	assert.ErrorIs(t, s.Err(), wantErr)
}
