package spawner

import "strings"

// lineRing keeps the most recent lines of a worker stream. Workers can be
// unboundedly chatty; a fixed ring keeps capture memory constant.
type lineRing struct {
	lines []string
	next  int
	full  bool
}

func newLineRing(capacity int) *lineRing {
	return &lineRing{lines: make([]string, capacity)}
}

func (r *lineRing) Add(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// String joins the retained lines oldest first.
func (r *lineRing) String() string {
	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	return strings.Join(out, "\n")
}

// Tail returns up to n trailing bytes of the retained output.
func (r *lineRing) Tail(n int) string {
	s := r.String()
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
