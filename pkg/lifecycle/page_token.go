package lifecycle

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"sort"

	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// pageToken is the opaque cursor ListOperations hands back: the name of the
// last operation returned on the previous page. Encoded with encoding/gob
// (the same codec the teacher's logstash log writer uses) and base64, the
// way the original's OperationIteratorToken is base64(protobuf).
type pageToken struct {
	OperationName string
}

func encodePageToken(name string) string {
	var buf bytes.Buffer
	// A fixed, small, gob-encodable struct: Encode cannot fail here.
	_ = gob.NewEncoder(&buf).Encode(pageToken{OperationName: name})
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodePageToken(token string) (pageToken, error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return pageToken{}, utils.ErrInvalidArgument
	}
	var t pageToken
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return pageToken{}, utils.ErrInvalidArgument
	}
	return t, nil
}

// ListOperations returns a page of in-flight operations in name order,
// along with the token for the next page (empty once exhausted). Page size
// is clamped to the configured default/maximum (component H, §4.H).
func (c *Controller) ListOperations(pageToken string, pageSize int32) ([]*rexpb.Operation, string, error) {
	if pageSize <= 0 {
		pageSize = c.cfg.ListOperationsDefaultPageSize
	}
	if c.cfg.ListOperationsMaxPageSize > 0 && pageSize > c.cfg.ListOperationsMaxPageSize {
		pageSize = c.cfg.ListOperationsMaxPageSize
	}

	var names []string
	if c.inFlight.Names != nil {
		names = c.inFlight.Names()
	}

	start := 0
	if pageToken != "" {
		tok, err := decodePageToken(pageToken)
		if err != nil {
			return nil, "", err
		}
		idx := sort.SearchStrings(names, tok.OperationName)
		if idx < len(names) && names[idx] == tok.OperationName {
			start = idx + 1
		} else {
			// The named operation is gone (completed, evicted): the token
			// is stale; treat the page as exhausted rather than guessing
			// at a resumption point, matching the iterator's "stop when
			// the token's name can no longer be found" behavior.
			start = len(names)
		}
	}

	end := start + int(pageSize)
	if end > len(names) {
		end = len(names)
	}

	// Hydrate the page's snapshot concurrently: each Get is an independent
	// RLock on the operations map, so an errgroup scatters the lookups.
	page := names[start:end]
	ops := make([]*rexpb.Operation, len(page))
	var g errgroup.Group
	for idx, name := range page {
		idx, name := idx, name
		g.Go(func() error {
			if op, ok := c.inFlight.Get(name); ok {
				ops[idx] = op
			}
			return nil
		})
	}
	_ = g.Wait()

	result := make([]*rexpb.Operation, 0, len(page))
	var last string
	for i, op := range ops {
		if op != nil {
			result = append(result, op)
			last = page[i]
		}
	}

	next := ""
	if end < len(names) {
		next = encodePageToken(last)
	}
	return result, next, nil
}
