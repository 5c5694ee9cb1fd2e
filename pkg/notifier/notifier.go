// Package notifier contains the core domain types for the placement notice relay.
package notifier

// Notice is one entry of the portal's published notice list.
type Notice struct {
	ID        string
	UpdatedAt string // Upstream-formatted, shown as-is
	Author    string // Optional poster name
	Title     string // Raw title, may contain markup
}

// NoticeDetail is the full payload of a single notice.
type NoticeDetail struct {
	ID     string
	Title  string
	Body   string // Arbitrary upstream HTML
	Author string
}

// Message is a formatted notice ready for delivery.
// Every segment is independently deliverable and within the sink's length limit.
type Message struct {
	NoticeID string
	Segments []string
}
