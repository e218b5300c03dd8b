package storage

import (
	"regexp"
	"strings"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
)

func gjsonID(raw []byte) string {
	return gjson.GetBytes(raw, "id").String()
}

func gjsonKind(raw []byte) int {
	return int(gjson.GetBytes(raw, "kind").Int())
}

func gjsonCreatedAt(raw []byte) int64 {
	return gjson.GetBytes(raw, "created_at").Int()
}

// SearchEvents scans stored events for the text, case insensitive, over
// content and tag values, restricted to feed-displayable kinds. The scan
// reads fields straight out of the serialized form and only decodes the
// events that match. Results are reverse-chronological.
func (s *Storage) SearchEvents(text string) ([]*nostr.Event, error) {
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(strings.ToLower(text)))
	if err != nil {
		return nil, err
	}

	var events []*nostr.Event
	err = s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		cur, err := txn.OpenCursor(s.events)
		if err != nil {
			return err
		}
		defer cur.Close()

		for {
			_, raw, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}

			if !nostrx.IsFeedDisplayable(gjsonKind(raw)) {
				continue
			}

			matched := re.MatchString(gjson.GetBytes(raw, "content").String())
			if !matched {
				gjson.GetBytes(raw, "tags").ForEach(func(_, tag gjson.Result) bool {
					tag.ForEach(func(_, field gjson.Result) bool {
						if re.MatchString(field.String()) {
							matched = true
						}
						return !matched
					})
					return !matched
				})
			}
			if !matched {
				continue
			}

			event, derr := decodeEvent(raw)
			if derr != nil {
				continue
			}
			events = append(events, event)
		}
	})
	if err != nil {
		return nil, err
	}

	sortEventsReverse(events)
	return events, nil
}
