package firehose

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jetstreamEvent is the raw JSON envelope from Jetstream.
type jetstreamEvent struct {
	DID      string             `json:"did"`
	TimeUS   int64              `json:"time_us"`
	Kind     string             `json:"kind"`
	Commit   *jetstreamCommit   `json:"commit,omitempty"`
	Identity *jetstreamIdentity `json:"identity,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream.
type jetstreamCommit struct {
	Rev        string      `json:"rev"`
	Operation  string      `json:"operation"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey"`
	Record     *postRecord `json:"record,omitempty"`
}

// jetstreamIdentity is the identity side-channel some events carry. Handle
// may be missing or may itself be a DID.
type jetstreamIdentity struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// postRecord is the parsed content of an app.bsky.feed.post record.
type postRecord struct {
	Type      string   `json:"$type"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"createdAt"`
	Langs     []string `json:"langs"`
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var raw struct {
		DID      string             `json:"did"`
		TimeUS   int64              `json:"time_us"`
		Kind     string             `json:"kind"`
		Commit   json.RawMessage    `json:"commit,omitempty"`
		Identity *jetstreamIdentity `json:"identity,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	event := &jetstreamEvent{
		DID:      raw.DID,
		TimeUS:   raw.TimeUS,
		Kind:     raw.Kind,
		Identity: raw.Identity,
	}

	if raw.Kind == "commit" && len(raw.Commit) > 0 {
		var rc struct {
			Rev        string          `json:"rev"`
			Operation  string          `json:"operation"`
			Collection string          `json:"collection"`
			RKey       string          `json:"rkey"`
			Record     json.RawMessage `json:"record,omitempty"`
		}
		if err := json.Unmarshal(raw.Commit, &rc); err != nil {
			return nil, fmt.Errorf("unmarshal commit: %w", err)
		}

		commit := &jetstreamCommit{
			Rev:        rc.Rev,
			Operation:  rc.Operation,
			Collection: rc.Collection,
			RKey:       rc.RKey,
		}

		if len(rc.Record) > 0 && strings.HasPrefix(rc.Collection, postCollection) {
			var record postRecord
			if err := json.Unmarshal(rc.Record, &record); err != nil {
				return nil, fmt.Errorf("unmarshal post record: %w", err)
			}
			commit.Record = &record
		}

		event.Commit = commit
	}

	return event, nil
}
