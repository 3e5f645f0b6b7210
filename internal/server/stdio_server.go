package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/samiralibabic/scriptd/internal/events"
	"github.com/samiralibabic/scriptd/internal/rpc"
	"github.com/samiralibabic/scriptd/internal/transport/ndjson"
)

// ErrNotificationsLost is returned when the client read notifications too
// slowly and the bus disconnected it.
var ErrNotificationsLost = errors.New("notification stream disconnected: client too slow")

// RunStdio serves the control API over newline-delimited JSON-RPC. Every
// notification for every run is forwarded to out.
func RunStdio(ctx context.Context, svc *Service, in io.Reader, out io.Writer) error {
	enc := ndjson.NewEncoder(out)

	ch, unsub := svc.Bus().Subscribe(events.AllRuns)
	defer unsub()
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		for evt := range ch {
			_ = enc.Encode(evt)
		}
	}()

	served := make(chan error, 1)
	go func() {
		served <- serveRequests(ctx, svc, ndjson.NewDecoderSize(in, svc.cfg.Limits.MaxLineBytes), enc)
	}()

	select {
	case err := <-served:
		return err
	case <-lost:
		svc.logger.Error("stdio_notifications_lost")
		return ErrNotificationsLost
	}
}

func serveRequests(ctx context.Context, svc *Service, dec *ndjson.Decoder, enc *ndjson.Encoder) error {
	for {
		rec, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(bytes.TrimSpace(rec.Line)) == 0 {
			continue
		}
		if rec.TooLong {
			if err := enc.Encode(rpc.ErrorResponse(nil, rpc.ErrParse, "request too large", nil)); err != nil {
				return err
			}
			continue
		}
		var req rpc.Request
		if err := json.Unmarshal(rec.Line, &req); err != nil {
			if err := enc.Encode(rpc.ErrorResponse(nil, rpc.ErrParse, "parse error", nil)); err != nil {
				return err
			}
			continue
		}
		resp := svc.Handle(ctx, req)
		if req.IsNotification() {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
}
