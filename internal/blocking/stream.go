package blocking

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/ldap"
)

type streamState int

const (
	streamStarted streamState = iota
	streamYielding
	streamExhausted
	streamFinished
	streamAbandoned
)

func (s streamState) String() string {
	switch s {
	case streamStarted:
		return "started"
	case streamYielding:
		return "yielding"
	case streamExhausted:
		return "exhausted"
	case streamFinished:
		return "finished"
	case streamAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// EntryStream reads the entries of a streaming search one at a time.
//
// Next returns io.EOF once the server has signalled the end of the search;
// Finish then returns the final result. A stream that is not read to the end
// should be closed, which abandons the search.
type EntryStream struct {
	conn   *Conn
	cursor Cursor
	id     ldap.RequestID

	mu      sync.Mutex
	state   streamState
	entries int
}

// LastID returns the request id of the search.
func (s *EntryStream) LastID() ldap.RequestID {
	return s.id
}

func (s *EntryStream) getState() streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *EntryStream) setState(state streamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Next returns the next entry in the order the server sent it, or io.EOF
// after the last one. Once io.EOF has been returned every later call returns
// it again without contacting the server. Next on an abandoned search
// returns ldap.ErrAbandoned.
func (s *EntryStream) Next(ctx context.Context) (*ldap.Entry, error) {
	switch s.getState() {
	case streamExhausted, streamFinished:
		return nil, io.EOF
	case streamAbandoned:
		return nil, ldap.ErrAbandoned
	}

	if s.conn.closed.Load() {
		return nil, ldap.ErrSessionClosed
	}

	start := time.Now()
	next := s.conn.takeNext()

	var entry *ldap.Entry
	err := ldap.LogOperation(s.conn.logCtx, "streaming_search_next", map[string]any{"request_id": int64(s.id)}, func() error {
		var err error
		entry, err = Run(ctx, s.conn.driver, "streaming_search_next", next.timeout, func(ctx context.Context) (*ldap.Future[*ldap.Entry], ldap.RequestID) {
			return s.cursor.Next(ctx), s.id
		})
		return err
	})

	switch {
	case err == nil && entry == nil:
		s.setState(streamExhausted)
		s.conn.collector.AddSearchEntries(s.entries)
		tflog.SubsystemDebug(s.conn.logCtx, ldap.Subsystem, "Streaming search exhausted", map[string]any{
			"request_id": int64(s.id),
			"entries":    s.entries,
		})
		s.conn.observe("streaming_search_next", start, nil)
		return nil, io.EOF
	case err == nil:
		s.mu.Lock()
		s.state = streamYielding
		s.entries++
		s.mu.Unlock()
		s.conn.observe("streaming_search_next", start, nil)
		return entry, nil
	case errors.Is(err, ldap.ErrAbandoned), errors.Is(err, ldap.ErrTimeout):
		s.setState(streamAbandoned)
	}

	s.conn.finishCall("streaming_search_next", start, err)
	return nil, err
}

// Finish returns the final result of the search. It may only be called once,
// after Next has returned io.EOF; otherwise it returns
// ldap.ErrProtocolSequence and leaves the stream untouched. A non-success
// result code is returned as a *ldap.ProtocolError alongside the result.
func (s *EntryStream) Finish(ctx context.Context) (*ldap.Result, error) {
	if s.getState() != streamExhausted {
		return nil, ldap.ErrProtocolSequence
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		result    *ldap.Result
		resultErr error
	)

	if err := s.conn.driver.Exclusive(func() {
		result, resultErr = s.cursor.Finish()
	}); err != nil {
		return nil, err
	}

	if errors.Is(resultErr, ldap.ErrProtocolSequence) {
		return nil, resultErr
	}

	s.setState(streamFinished)

	fields := map[string]any{"request_id": int64(s.id)}
	if result != nil {
		fields["result_code"] = result.Code
		fields["referrals"] = len(result.Referrals)
	}
	tflog.SubsystemDebug(s.conn.logCtx, ldap.Subsystem, "Streaming search finished", fields)

	return result, resultErr
}

// Close abandons the search unless it already ended. It is idempotent.
func (s *EntryStream) Close() error {
	switch s.getState() {
	case streamExhausted, streamFinished, streamAbandoned:
		return nil
	}

	if err := s.conn.Abandon(context.Background(), s.id); err != nil && !errors.Is(err, ldap.ErrSessionClosed) {
		return err
	}

	s.setState(streamAbandoned)
	return nil
}
