package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// syncClient is a minimal long-poll /sync client: the daemon's only
// dependency on the homeserver's event-source endpoint (spec.md §6, §9).
// It mirrors the raw net/http style of crypto.Transport rather than pulling
// in a full SDK sync loop, since the crypto core only needs the handful of
// fields HandleSync consumes out of each response.
type syncClient struct {
	client      *http.Client
	baseURL     string
	accessToken string
	log         *slog.Logger
}

func newSyncClient(client *http.Client, baseURL, accessToken string, log *slog.Logger) *syncClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &syncClient{client: client, baseURL: baseURL, accessToken: accessToken, log: log}
}

// syncResult is the subset of a /sync response the Session Manager acts on.
type syncResult struct {
	nextBatch         string
	otkCounts         map[id.Algorithm]int
	deviceListChanged []id.UserID
	deviceListLeft    []id.UserID
	stateEvents       []*event.Event
	timelineEvents    []*event.Event
	toDeviceEvents    []*event.Event
	accountDataEvents []*event.Event
}

type rawSyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			State struct {
				Events []json.RawMessage `json:"events"`
			} `json:"state"`
			Timeline struct {
				Events []json.RawMessage `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
	ToDevice struct {
		Events []json.RawMessage `json:"events"`
	} `json:"to_device"`
	AccountData struct {
		Events []json.RawMessage `json:"events"`
	} `json:"account_data"`
	DeviceLists struct {
		Changed []id.UserID `json:"changed"`
		Left    []id.UserID `json:"left"`
	} `json:"device_lists"`
	DeviceOneTimeKeysCount map[id.Algorithm]int `json:"device_one_time_keys_count"`
}

// sync performs one long-poll /sync call. since is the previous next_batch
// token, or "" for the initial sync; timeout bounds how long the homeserver
// may hold the request open waiting for new events.
func (c *syncClient) sync(ctx context.Context, since string, timeout time.Duration) (*syncResult, error) {
	url := fmt.Sprintf("%s/_matrix/client/v3/sync?timeout=%d", c.baseURL, timeout.Milliseconds())
	if since != "" {
		url += "&since=" + since
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sync: status %d", resp.StatusCode)
	}

	var raw rawSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("sync: decode response: %w", err)
	}

	result := &syncResult{
		nextBatch:         raw.NextBatch,
		otkCounts:         raw.DeviceOneTimeKeysCount,
		deviceListChanged: raw.DeviceLists.Changed,
		deviceListLeft:    raw.DeviceLists.Left,
	}
	for roomID, room := range raw.Rooms.Join {
		result.stateEvents = append(result.stateEvents, c.parseEvents(roomID, room.State.Events)...)
		result.timelineEvents = append(result.timelineEvents, c.parseEvents(roomID, room.Timeline.Events)...)
	}
	result.toDeviceEvents = c.parseEvents("", raw.ToDevice.Events)
	result.accountDataEvents = c.parseEvents("", raw.AccountData.Events)
	return result, nil
}

func (c *syncClient) parseEvents(roomID string, raw []json.RawMessage) []*event.Event {
	events := make([]*event.Event, 0, len(raw))
	for _, r := range raw {
		var evt event.Event
		if err := json.Unmarshal(r, &evt); err != nil {
			c.log.Warn("failed to parse sync event", "error", err)
			continue
		}
		if roomID != "" && evt.RoomID == "" {
			evt.RoomID = id.RoomID(roomID)
		}
		events = append(events, &evt)
	}
	return events
}
