package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider identifies the external service a calendar is mirrored from.
type Provider string

const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
	ProviderExchange  Provider = "EXCHANGE"
	ProviderProtonICS Provider = "PROTON_ICS"
)

func (p Provider) IsValid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderExchange, ProviderProtonICS:
		return true
	default:
		return false
	}
}

// Calendar is one connected external calendar.
type Calendar struct {
	ID         string
	UserID     string
	Provider   Provider
	ExternalID string

	// Credentials is opaque to everything except the provider adapters.
	Credentials string
	ICSURL      string
	Active      bool

	// SyncToken is the provider cursor. Empty means the next sync is a full sync.
	SyncToken  string
	LastSyncAt *time.Time
	CreatedAt  time.Time
}

// CalendarEvent is a mirrored provider event. (CalendarID, ExternalID) is
// unique.
type CalendarEvent struct {
	ID          string
	CalendarID  string
	ExternalID  string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	// KidID is empty when no tag keyword matched.
	KidID     string
	Raw       []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kid is a tag target for calendar events. Keywords are matched against
// event titles.
type Kid struct {
	ID        string
	UserID    string
	Name      string
	Keywords  []string
	CreatedAt time.Time
}

// User holds the preferences the scheduler reads.
type User struct {
	ID             string
	Timezone       string
	WorkHoursStart string
	WorkHoursEnd   string
	WorkDays       []int
	CreatedAt      time.Time
}

type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Rank orders priorities, lowest rank first. Unknown values rank as MEDIUM.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

type TaskStatus string

const (
	StatusTodo       TaskStatus = "TODO"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusDone       TaskStatus = "DONE"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// OpenStatuses are the statuses the scheduler may place or clear.
var OpenStatuses = []TaskStatus{StatusTodo, StatusInProgress}

func (s TaskStatus) IsOpen() bool {
	return s == StatusTodo || s == StatusInProgress
}

type Task struct {
	ID             string
	UserID         string
	Title          string
	Priority       Priority
	Status         TaskStatus
	DueDate        *time.Time
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	EstimatedMins  *int
	CreatedAt      time.Time
}

// Placement is a scheduler decision for one task.
type Placement struct {
	TaskID string
	Start  time.Time
	End    time.Time
}

// WorkHours is the daily window tasks may be placed in. Minutes are counted
// from local midnight.
type WorkHours struct {
	StartMinute int
	EndMinute   int
	Days        map[time.Weekday]bool
}

var (
	DefaultWorkHoursStart = "09:00"
	DefaultWorkHoursEnd   = "17:00"
	DefaultWorkDays       = []int{1, 2, 3, 4, 5}
)

var ErrInvalidWorkHours = errors.New("model: invalid work hours")

// WorkHours derives the scheduling window from the user's preferences,
// filling in defaults for unset values.
func (u User) WorkHours() (WorkHours, error) {
	startStr := u.WorkHoursStart
	if startStr == "" {
		startStr = DefaultWorkHoursStart
	}
	endStr := u.WorkHoursEnd
	if endStr == "" {
		endStr = DefaultWorkHoursEnd
	}
	start, err := ParseClock(startStr)
	if err != nil {
		return WorkHours{}, err
	}
	end, err := ParseClock(endStr)
	if err != nil {
		return WorkHours{}, err
	}

	days := u.WorkDays
	if days == nil {
		days = DefaultWorkDays
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			return WorkHours{}, fmt.Errorf("%w: weekday %d", ErrInvalidWorkHours, d)
		}
		set[time.Weekday(d)] = true
	}
	return WorkHours{StartMinute: start, EndMinute: end, Days: set}, nil
}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is allowed
// as an end-of-day marker.
func ParseClock(v string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWorkHours, v)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWorkHours, v)
	}
	return h*60 + m, nil
}
