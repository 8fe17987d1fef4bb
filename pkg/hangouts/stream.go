// Copyright 2024-2026 Aiku AI

package hangouts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
)

// runStream long-polls the channel endpoint and forwards chat events.
// The server keeps the connection open and writes one JSON object per
// line; when the connection drops the loop reconnects immediately, and
// any request failure is reported on the disconnected channel. The
// session manager owns recovery from there.
func (c *Client) runStream() {
	defer close(c.events)
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		err := c.pollOnce()
		if err != nil {
			select {
			case <-c.stopChan:
				// Closed while a poll was in flight, not a real drop.
			case c.disconnected <- err:
			default:
			}
			return
		}
	}
}

// pollOnce runs a single long-poll request to completion. A clean EOF
// returns nil so the loop re-polls.
func (c *Client) pollOnce() error {
	req, err := http.NewRequestWithContext(c.streamCtx, http.MethodGet, c.endpoints.ChannelURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode, Body: resp.Status}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-c.stopChan:
			return nil
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			c.log.Debug().Err(err).Msg("Skipping unparseable stream frame")
			continue
		}
		if evt.ConversationID == "" || evt.SenderID == "" {
			continue
		}
		select {
		case c.events <- &evt:
		case <-c.stopChan:
			return nil
		}
	}
	return scanner.Err()
}
