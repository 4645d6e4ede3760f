package memory

import "sync"

// shortTerm is a bounded ring buffer of the most recent records. It is
// deliberately not persisted: restarts begin with an empty ring.
type shortTerm struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

func newShortTerm(size int) *shortTerm {
	if size < 1 {
		size = 1
	}
	return &shortTerm{buf: make([]Record, size)}
}

// append stores a record, evicting the oldest when the ring is full.
func (s *shortTerm) append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf[s.next] = rec
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
}

// recent returns up to n records, newest first.
func (s *shortTerm) recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.next
	if s.full {
		count = len(s.buf)
	}
	if n > count {
		n = count
	}
	if n <= 0 {
		return nil
	}

	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out
}

// len returns the number of buffered records.
func (s *shortTerm) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.buf)
	}
	return s.next
}
