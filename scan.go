package artidx

import (
	"artidx/internal/art"
)

// Scanner iterates over the locators a Scan matched. It pins no page between
// calls, so it may be abandoned at any point; Close releases what it queued.
// A Scanner is not safe for concurrent use.
type Scanner struct {
	ix     *Index
	scan   *art.Scan
	err    error
	closed bool
}

// Next returns the next locator, or false when the scan is exhausted or has
// failed. Err distinguishes the two.
func (s *Scanner) Next() (Locator, bool) {
	if s.closed {
		s.err = ErrScanClosed
		return Locator{}, false
	}
	if s.ix.closed.Load() {
		s.err = ErrIndexClosed
		return Locator{}, false
	}
	p, ok := s.scan.Next()
	if !ok {
		s.err = s.scan.Err()
		return Locator{}, false
	}
	return locatorOf(p), true
}

func (s *Scanner) Err() error {
	return s.err
}

// Remaining is the number of matching leaves not yet read. A leaf holds
// every locator of one key, or a run of them for heavily duplicated keys.
func (s *Scanner) Remaining() int {
	return s.scan.Len()
}

func (s *Scanner) Close() error {
	if s.closed {
		return ErrScanClosed
	}
	s.closed = true
	s.scan.Close()
	return nil
}
