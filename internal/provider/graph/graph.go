// Package graph syncs Microsoft 365 and Exchange Online calendars through the
// Microsoft Graph calendarView delta query. The cursor is the deltaLink URL
// returned on the final page of a round.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "calplan/internal/log"
	"calplan/internal/provider"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

type Options struct {
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	Window  provider.Window
	Now     func() time.Time
	// PageSize is sent as odata.maxpagesize. Zero leaves it to the service.
	PageSize int
}

type Adapter struct {
	http     *provider.HTTPClient
	tokens   provider.TokenRefresher
	baseURL  string
	window   provider.Window
	now      func() time.Time
	pageSize int
}

func New(client *provider.HTTPClient, tokens provider.TokenRefresher, opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{
		http:     client,
		tokens:   tokens,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		window:   opts.Window,
		now:      opts.Now,
		pageSize: opts.PageSize,
	}
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type event struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Location    *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Start    *dateTimeTimeZone `json:"start"`
	End      *dateTimeTimeZone `json:"end"`
	IsAllDay bool              `json:"isAllDay"`
	Removed  *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type deltaPage struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// Fetch runs one delta round. Without a cursor it starts a new round over the
// full-sync window.
func (a *Adapter) Fetch(ctx context.Context, req provider.Request) (provider.Result, error) {
	p := req.Calendar.Provider

	next := string(req.Cursor)
	if next != "" {
		if !a.sameOrigin(next) {
			// Never send the bearer token to a host we did not pick.
			return provider.Result{}, fmt.Errorf("%w: delta link points outside %s", provider.ErrCursorInvalid, a.baseURL)
		}
	} else {
		next = a.initialURL(req.Calendar.ExternalID)
	}

	token, err := provider.AccessToken(ctx, a.tokens, req)
	if err != nil {
		return provider.Result{}, err
	}

	header := http.Header{}
	header.Add("Prefer", `outlook.timezone="UTC"`)
	if a.pageSize > 0 {
		header.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", a.pageSize))
	}

	var out provider.Result
	seen := map[string]bool{}
	for next != "" {
		var page deltaPage
		if err := a.http.GetJSON(ctx, p, next, token, header, &page); err != nil {
			var pe *provider.Error
			if req.Cursor != "" && errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
				return provider.Result{}, fmt.Errorf("%w: %v", provider.ErrCursorInvalid, err)
			}
			return provider.Result{}, err
		}
		for _, raw := range page.Value {
			if ev, ok := normalize(raw); ok {
				out.Events = append(out.Events, ev)
			}
		}

		if page.NextLink == "" {
			out.NextCursor = provider.Cursor(page.DeltaLink)
			break
		}
		if seen[page.NextLink] || !a.sameOrigin(page.NextLink) {
			return provider.Result{}, &provider.Error{Provider: p, Err: fmt.Errorf("unusable nextLink %q", page.NextLink)}
		}
		seen[page.NextLink] = true
		next = page.NextLink
	}

	appLog.Debug("graph fetch completed",
		"calendar_id", req.Calendar.ID,
		"delta", req.Cursor != "",
		"event_count", len(out.Events),
	)
	return out, nil
}

func (a *Adapter) initialURL(calendarID string) string {
	from, to := a.window.Range(a.now())
	q := url.Values{}
	q.Set("startDateTime", from.UTC().Format(time.RFC3339))
	q.Set("endDateTime", to.UTC().Format(time.RFC3339))

	path := "/me/calendarView/delta"
	if calendarID != "" {
		path = "/me/calendars/" + url.PathEscape(calendarID) + "/calendarView/delta"
	}
	return a.baseURL + path + "?" + q.Encode()
}

func (a *Adapter) sameOrigin(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	base, err := url.Parse(a.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

func normalize(raw json.RawMessage) (provider.Event, bool) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		appLog.Debug("graph: skipping undecodable event", "err", err.Error())
		return provider.Event{}, false
	}
	if ev.ID == "" {
		return provider.Event{}, false
	}
	if ev.Removed != nil {
		return provider.Event{ExternalID: ev.ID, Deleted: true}, true
	}

	start, err := parseTime(ev.Start)
	if err != nil {
		appLog.Debug("graph: skipping event with bad start", "external_id", ev.ID, "err", err.Error())
		return provider.Event{}, false
	}
	end, err := parseTime(ev.End)
	if err != nil {
		appLog.Debug("graph: skipping event with bad end", "external_id", ev.ID, "err", err.Error())
		return provider.Event{}, false
	}

	out := provider.Event{
		ExternalID:  ev.ID,
		Title:       provider.Title(ev.Subject),
		Description: ev.BodyPreview,
		Start:       start,
		End:         end,
		AllDay:      ev.IsAllDay,
		Raw:         raw,
	}
	if ev.Location != nil {
		out.Location = ev.Location.DisplayName
	}
	return out, true
}

// parseTime honors an explicit offset and otherwise reads the wall time as
// UTC, which is what the Prefer header asks the service to return.
func parseTime(t *dateTimeTimeZone) (time.Time, error) {
	if t == nil || t.DateTime == "" {
		return time.Time{}, errors.New("missing dateTime")
	}
	if ts, err := time.Parse(time.RFC3339Nano, t.DateTime); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", t.DateTime, time.UTC)
}
