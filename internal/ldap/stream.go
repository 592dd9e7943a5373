package ldap

import (
	"context"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SearchStream is the asynchronous cursor of a streaming search.
// Calls must not overlap; the blocking layer guarantees that.
type SearchStream struct {
	session *Session
	req     *request
	resp    ldap.Response

	drainOnce sync.Once

	mu        sync.Mutex
	done      bool
	err       error
	referrals []string
	count     int
}

// ID returns the request id of the search.
func (s *SearchStream) ID() RequestID {
	return s.req.id
}

// Abandoned reports whether the search was abandoned.
func (s *SearchStream) Abandoned() bool {
	return s.req.abandoned.Load()
}

// Next fetches the next entry. A nil entry with a nil error means the server
// signalled the end of the search; the outcome is then available from Finish.
// Referrals are collected for the final result and never returned as entries.
func (s *SearchStream) Next(ctx context.Context) *Future[*Entry] {
	if err := ctx.Err(); err != nil {
		return Failed[*Entry](err)
	}

	return Go(func() (*Entry, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.req.abandoned.Load() {
			return nil, ErrAbandoned
		}

		if s.done {
			return nil, nil
		}

		for s.resp.Next() {
			if s.req.abandoned.Load() {
				continue
			}
			if entry := s.resp.Entry(); entry != nil {
				s.count++
				return entry, nil
			}
			if ref := s.resp.Referral(); ref != "" {
				s.referrals = append(s.referrals, ref)
			}
		}

		if s.req.abandoned.Load() {
			return nil, ErrAbandoned
		}

		s.done = true
		s.session.complete(s.req)
		s.req.cancel()

		if err := s.resp.Err(); err != nil {
			if !isServerResult(err) {
				return nil, NewProtocolError("streaming_search", err)
			}
			s.err = err
		}

		tflog.SubsystemDebug(s.session.logCtx, Subsystem, "Streaming search exhausted", map[string]any{
			"session_id": s.session.id.String(),
			"request_id": int64(s.req.id),
			"entries":    s.count,
			"referrals":  len(s.referrals),
		})

		return nil, nil
	})
}

// drain consumes whatever the transport still delivers for a resolved
// search. go-ldap blocks delivering each result to the consumer and only
// releases the message, and with it the connection's dispatch loop, after
// the pending results have been received.
func (s *SearchStream) drain() {
	s.drainOnce.Do(func() {
		go func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for s.resp.Next() {
			}
		}()
	})
}

// Finish returns the final result of an exhausted search. A non-success
// result code is returned as a *ProtocolError alongside the result.
func (s *SearchStream) Finish() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.done {
		return nil, ErrProtocolSequence
	}

	result := successResult()
	result.Referrals = s.referrals
	result.Controls = s.resp.Controls()

	if s.err != nil {
		protoErr := NewProtocolError("streaming_search", s.err)
		if pe, ok := protoErr.(*ProtocolError); ok {
			result.Code = pe.LDAPCode
			result.MatchedDN = pe.MatchedDN
			result.Message = pe.ServerMsg
		}
		return result, protoErr
	}

	return result, nil
}
