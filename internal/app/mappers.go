package app

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"replydesk/internal/domain"
)

/********** alias registries (single source of truth) **********/

// Both platforms go through the same registry. Profile payloads use nested
// snake_case objects, place payloads are flat.
var reviewAliases = map[string][]string{
	"id":         {"review_id", "reviewId", "id"},
	"author":     {"author", "reviewer.display_name", "reviewer.displayName", "nickname"},
	"content":    {"content", "comment", "text", "body"},
	"created":    {"date", "create_time", "createTime", "created_at"},
	"rating":     {"rating", "star_rating", "starRating", "score"},
	"reply_text": {"reply", "review_reply.comment", "reviewReply.comment", "reply_text"},
	"reply_date": {"reply_date", "review_reply.update_time", "reviewReply.updateTime"},
	"resource":   {"name"},
}

var starLabels = map[string]int{"ONE": 1, "TWO": 2, "THREE": 3, "FOUR": 4, "FIVE": 5}

// place dates are local to the platform
var kst = time.FixedZone("KST", 9*60*60)

/********** tiny helpers **********/

// lookupAny: safe nested lookup with dot paths on maps.
func lookupAny(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := obj[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

// lookupStr returns string at path or "".
func lookupStr(m map[string]any, path string) string {
	if v := lookupAny(m, path); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// firstAlias: first non-empty trimmed string for a named alias set.
func firstAlias(m map[string]any, key string) string {
	for _, p := range reviewAliases[key] {
		if s := strings.TrimSpace(lookupStr(m, p)); s != "" {
			return s
		}
	}
	return ""
}

func lookupBool(m map[string]any, path string) bool {
	switch v := lookupAny(m, path).(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	}
	return false
}

/********** review normalization **********/

// Normalize turns a platform-tagged payload into the canonical Review. This is
// the only place that knows how the platforms differ.
func Normalize(src domain.SourceReview) domain.Review {
	m := src.Fields
	rv := domain.Review{
		Platform:     src.Platform,
		Author:       firstAlias(m, "author"),
		Content:      firstAlias(m, "content"),
		CreatedRaw:   firstAlias(m, "created"),
		ResourceName: firstAlias(m, "resource"),
	}
	rv.CreatedAt = parseReviewDate(rv.CreatedRaw)
	rv.Rating, rv.RatingRaw = ratingOf(m)

	// Reply: text from either shape; the place platform also ships a flag.
	text := firstAlias(m, "reply_text")
	if text != "" || lookupBool(m, "has_reply") {
		raw := firstAlias(m, "reply_date")
		rv = rv.WithReply(&domain.Reply{Text: text, UpdatedRaw: raw, UpdatedAt: parseReviewDate(raw)})
	}

	// ID: explicit when given, else a stable hash of the match key.
	if id := firstAlias(m, "id"); id != "" {
		rv.ID = id
	} else {
		sig := strings.Join([]string{string(src.Platform), rv.Author, rv.CreatedRaw, rv.Content}, "|")
		sum := sha1.Sum([]byte(sig))
		rv.ID = string(src.Platform) + "-" + hex.EncodeToString(sum[:8])
	}
	return rv
}

func NormalizeAll(p domain.Platform, raws []map[string]any) []domain.Review {
	out := make([]domain.Review, 0, len(raws))
	for _, r := range raws {
		if r == nil {
			continue
		}
		out = append(out, Normalize(domain.SourceReview{Platform: p, Fields: r}))
	}
	return out
}

// ratingOf accepts numbers (1..5), numeric strings and ONE..FIVE labels.
// Anything else, including STAR_RATING_UNSPECIFIED, is 0.
func ratingOf(m map[string]any) (int, string) {
	for _, p := range reviewAliases["rating"] {
		switch v := lookupAny(m, p).(type) {
		case float64:
			return clampStars(int(math.Round(v))), strconv.FormatFloat(v, 'f', -1, 64)
		case string:
			s := strings.ToUpper(strings.TrimSpace(v))
			if s == "" {
				continue
			}
			if n, ok := starLabels[s]; ok {
				return n, v
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return clampStars(int(math.Round(f))), v
			}
			return 0, v
		}
	}
	return 0, ""
}

func clampStars(n int) int {
	if n < 1 || n > 5 {
		return 0
	}
	return n
}

var (
	weekdaySuffix = regexp.MustCompile(`\([^)]*\)`)
	isoLayouts    = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
)

// parseReviewDate reads ISO timestamps and the place platform's dotted dates
// ("2025.01.08", "25.1.8.(수)"). Unparseable input yields nil.
func parseReviewDate(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}

	s = strings.TrimSpace(weekdaySuffix.ReplaceAllString(s, ""))
	s = strings.Trim(s, ". ")
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil
		}
		nums[i] = n
	}
	y, mo, d := nums[0], nums[1], nums[2]
	if y < 100 {
		y += 2000
	}
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return nil
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, kst)
	return &t
}

/********** payload decoding **********/

// decodeReviewList accepts a bare array or an object with a "reviews" array,
// which is how both the load task result and the profile list arrive.
func decodeReviewList(raw json.RawMessage) ([]map[string]any, error) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	if b[0] == '[' {
		var arr []map[string]any
		if err := json.Unmarshal(b, &arr); err != nil {
			return nil, fmt.Errorf("decode review array: %w", err)
		}
		return arr, nil
	}
	var env struct {
		Reviews []map[string]any `json:"reviews"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode review envelope: %w", err)
	}
	if env.Reviews == nil {
		log.Warn().Int("bytes", len(b)).Msg("load result carried no reviews field")
	}
	return env.Reviews, nil
}

// locationOf derives "locations/x" from "locations/x/reviews/y".
func locationOf(resourceName string) string {
	if i := strings.Index(resourceName, "/reviews/"); i > 0 {
		return resourceName[:i]
	}
	return ""
}
