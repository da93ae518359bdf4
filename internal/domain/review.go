package domain

import "time"

type Platform string

const (
	PlatformProfile Platform = "profile" // official business-profile API
	PlatformPlace   Platform = "place"   // session-cookie place platform
)

// SourceReview is a review as received from one platform, before normalization.
// Fields keeps the platform's own keys; only the mappers read it.
type SourceReview struct {
	Platform Platform
	Fields   map[string]any
}

type Reply struct {
	Text       string     `json:"text"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	UpdatedRaw string     `json:"updated_raw,omitempty"`
}

// Review is the canonical shape every platform is normalized into.
type Review struct {
	ID           string     `json:"id"`
	Platform     Platform   `json:"platform"`
	Author       string     `json:"author"`
	RatingRaw    string     `json:"rating_raw,omitempty"`
	Rating       int        `json:"rating"` // 1..5, 0 when the platform has none
	Content      string     `json:"content"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	CreatedRaw   string     `json:"created_raw"`
	Reply        *Reply     `json:"reply,omitempty"`
	HasReply     bool       `json:"has_reply"`
	ResourceName string     `json:"resource_name,omitempty"`
}

// WithReply returns a copy of r carrying reply; HasReply follows Reply.
func (r Review) WithReply(reply *Reply) Review {
	r.Reply = reply
	r.HasReply = reply != nil
	return r
}

// MatchKey identifies a place-platform review server-side. The platform has no
// durable id, so author, date and content are the best available key.
type MatchKey struct {
	Author  string `json:"author"`
	Date    string `json:"date"`
	Content string `json:"content"`
}

func (r Review) MatchKey() MatchKey {
	return MatchKey{Author: r.Author, Date: r.CreatedRaw, Content: r.Content}
}

// ReviewSet is every review of one place as returned by one load.
type ReviewSet struct {
	PlaceID   string    `json:"place_id"`
	Items     []Review  `json:"items"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Clone copies the item slice so callers cannot mutate a stored set.
func (s ReviewSet) Clone() ReviewSet {
	out := ReviewSet{PlaceID: s.PlaceID, FetchedAt: s.FetchedAt}
	if n := len(s.Items); n > 0 {
		out.Items = make([]Review, n)
		copy(out.Items, s.Items)
	}
	return out
}
