package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"govmon/internal/logging"
	"govmon/internal/types"
)

// maxLineBytes bounds one request line: the 50 kB response_text cap plus
// generous envelope headroom.
const maxLineBytes = 1 << 20

// maxInFlight caps concurrently dispatched requests per connection.
const maxInFlight = 16

// Serve reads newline-delimited JSON requests from r and writes one
// response line per request to w. Requests dispatch concurrently;
// responses carry request_id so clients can correlate out-of-order
// completions. Returns when r is exhausted or ctx is canceled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	log := logging.Get(logging.CategoryBoot)
	log.Info("serving %d tools on stdio", len(s.tools))

	var writeMu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(resp *Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			log.Error("writing response: %v", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		default:
		}

		line, tooLong, err := readLine(br)
		if tooLong {
			// One misbehaving client line must not take the server down.
			write(errResponse("", types.Validation("request exceeds %d bytes", maxLineBytes)))
		} else if len(line) > 0 {
			g.Go(func() error {
				var req Request
				if uerr := json.Unmarshal(line, &req); uerr != nil {
					write(errResponse("", types.Validation("malformed request: %v", uerr)))
					return nil
				}
				write(s.Dispatch(ctx, &req))
				return nil
			})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("reading requests: %w", err)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("input closed; server draining")
	return nil
}

// readLine reads one newline-terminated request, enforcing maxLineBytes.
// An oversized line is drained to its newline and reported via tooLong so
// the caller can answer it and keep reading. The returned slice is a copy
// safe to hand to another goroutine.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, rerr := br.ReadSlice('\n')
		line = append(line, chunk...)
		switch rerr {
		case bufio.ErrBufferFull:
			if len(line) > maxLineBytes {
				return nil, true, drainLine(br)
			}
		case nil, io.EOF:
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > maxLineBytes {
				return nil, true, rerr
			}
			return line, false, rerr
		default:
			return nil, false, rerr
		}
	}
}

// drainLine discards input up to and including the next newline.
func drainLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		switch err {
		case bufio.ErrBufferFull:
			continue
		case nil:
			return nil
		default:
			return err
		}
	}
}
