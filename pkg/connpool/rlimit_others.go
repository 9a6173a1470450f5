//go:build !unix

package connpool

func fdLimit() (uint64, bool) {
	return 0, false
}
