//go:build !linux

package offshell

func processRSSBytes() (rssBytes uint64, ok bool) {
	return 0, false
}
