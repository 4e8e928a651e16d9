// Package google syncs Google Calendar through the v3 REST API. Incremental
// syncs use the syncToken issued on the last page of the previous listing.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	appLog "calplan/internal/log"
	"calplan/internal/model"
	"calplan/internal/provider"
)

const (
	DefaultBaseURL = "https://www.googleapis.com/calendar/v3"
	pageSize       = 250
	primary        = "primary"
)

type Options struct {
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	Window  provider.Window
	Now     func() time.Time
}

type Adapter struct {
	http    *provider.HTTPClient
	tokens  provider.TokenRefresher
	baseURL string
	window  provider.Window
	now     func() time.Time
}

func New(client *provider.HTTPClient, tokens provider.TokenRefresher, opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{
		http:    client,
		tokens:  tokens,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		window:  opts.Window,
		now:     opts.Now,
	}
}

type eventDateTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type event struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Summary     string         `json:"summary"`
	Description string         `json:"description"`
	Location    string         `json:"location"`
	Start       *eventDateTime `json:"start"`
	End         *eventDateTime `json:"end"`
}

type eventsPage struct {
	Items         []json.RawMessage `json:"items"`
	NextPageToken string            `json:"nextPageToken"`
	NextSyncToken string            `json:"nextSyncToken"`
}

// Fetch lists events for the calendar, following nextPageToken until the last
// page. Only the last page carries the cursor for the next sync.
func (a *Adapter) Fetch(ctx context.Context, req provider.Request) (provider.Result, error) {
	token, err := provider.AccessToken(ctx, a.tokens, req)
	if err != nil {
		return provider.Result{}, err
	}

	calID := req.Calendar.ExternalID
	if calID == "" {
		calID = primary
	}
	endpoint := a.baseURL + "/calendars/" + url.PathEscape(calID) + "/events"

	base := url.Values{}
	base.Set("maxResults", strconv.Itoa(pageSize))
	base.Set("singleEvents", "true")
	if req.Cursor != "" {
		base.Set("syncToken", string(req.Cursor))
	} else {
		from, to := a.window.Range(a.now())
		base.Set("timeMin", from.UTC().Format(time.RFC3339))
		base.Set("timeMax", to.UTC().Format(time.RFC3339))
	}

	var out provider.Result
	seen := map[string]bool{}
	pageToken := ""
	for pages := 1; ; pages++ {
		q := cloneValues(base)
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page eventsPage
		if err := a.http.GetJSON(ctx, model.ProviderGoogle, endpoint+"?"+q.Encode(), token, nil, &page); err != nil {
			return provider.Result{}, err
		}
		for _, raw := range page.Items {
			if ev, ok := normalize(raw); ok {
				out.Events = append(out.Events, ev)
			}
		}

		if page.NextPageToken == "" {
			out.NextCursor = provider.Cursor(page.NextSyncToken)
			break
		}
		if seen[page.NextPageToken] {
			return provider.Result{}, &provider.Error{
				Provider: model.ProviderGoogle,
				Err:      fmt.Errorf("page token repeated after %d pages", pages),
			}
		}
		seen[page.NextPageToken] = true
		pageToken = page.NextPageToken
	}

	appLog.Debug("google fetch completed",
		"calendar_id", req.Calendar.ID,
		"delta", req.Cursor != "",
		"event_count", len(out.Events),
	)
	return out, nil
}

// normalize converts one API item. Items without an id or with unusable
// times are skipped.
func normalize(raw json.RawMessage) (provider.Event, bool) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		appLog.Debug("google: skipping undecodable event", "err", err.Error())
		return provider.Event{}, false
	}
	if ev.ID == "" {
		return provider.Event{}, false
	}
	if ev.Status == "cancelled" {
		return provider.Event{ExternalID: ev.ID, Deleted: true}, true
	}

	start, err := parseTime(ev.Start)
	if err != nil {
		appLog.Debug("google: skipping event with bad start", "external_id", ev.ID, "err", err.Error())
		return provider.Event{}, false
	}
	end, err := parseTime(ev.End)
	if err != nil {
		appLog.Debug("google: skipping event with bad end", "external_id", ev.ID, "err", err.Error())
		return provider.Event{}, false
	}

	return provider.Event{
		ExternalID:  ev.ID,
		Title:       provider.Title(ev.Summary),
		Description: ev.Description,
		Location:    ev.Location,
		Start:       start,
		End:         end,
		AllDay:      ev.Start.Date != "",
		Raw:         raw,
	}, true
}

// parseTime reads either form of an event time. A bare date is an all-day
// boundary at UTC midnight; dateTime always carries an offset.
func parseTime(t *eventDateTime) (time.Time, error) {
	switch {
	case t == nil:
		return time.Time{}, errors.New("missing time")
	case t.DateTime != "":
		return time.Parse(time.RFC3339, t.DateTime)
	case t.Date != "":
		return time.ParseInLocation("2006-01-02", t.Date, time.UTC)
	default:
		return time.Time{}, errors.New("empty time")
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
