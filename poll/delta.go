package poll

import "notice-relay/pkg/notifier"

// ResolveDelta returns the notices newer than the watermark, oldest first.
// notices must be ordered newest first. When there is no watermark, or the
// watermark is not in the fetched page, the whole page is new and found is
// false. Repeated ids are kept once, at their newest position, and notices
// without an id are dropped.
func ResolveDelta(notices []*notifier.Notice, watermark string, ok bool) (delta []*notifier.Notice, found bool) {
	seen := make(map[string]bool, len(notices))
	var newest []*notifier.Notice
	for _, n := range notices {
		if n == nil || n.ID == "" {
			continue
		}
		if ok && n.ID == watermark {
			found = true
			break
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		newest = append(newest, n)
	}

	delta = make([]*notifier.Notice, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		delta = append(delta, newest[i])
	}
	return delta, found
}
