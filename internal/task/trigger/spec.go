package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind tags a Spec.
type Kind string

const (
	KindStartup  Kind = "startup"
	KindShutdown Kind = "shutdown"
	KindPeriodic Kind = "periodic"
	KindDaily    Kind = "daily"
	KindCron     Kind = "cron"
	KindDelay    Kind = "delay"
	KindEvent    Kind = "event"
)

// TimeDriven reports whether entries of this kind are polled by the tick loop.
func (k Kind) TimeDriven() bool {
	switch k {
	case KindPeriodic, KindDaily, KindCron, KindDelay:
		return true
	}
	return false
}

// Spec describes when a binding fires. Only the fields of its Kind are set.
type Spec struct {
	Kind Kind `json:"kind"`

	Interval time.Duration `json:"interval,omitempty"` // periodic
	Hour     int           `json:"hour,omitempty"`     // daily
	Minute   int           `json:"minute,omitempty"`
	Second   int           `json:"second,omitempty"`
	Expr     string        `json:"expr,omitempty"`  // cron
	After    time.Duration `json:"after,omitempty"` // delay
	Event    string        `json:"event,omitempty"` // event
}

func Startup() Spec  { return Spec{Kind: KindStartup} }
func Shutdown() Spec { return Spec{Kind: KindShutdown} }

func Periodic(interval time.Duration) Spec { return Spec{Kind: KindPeriodic, Interval: interval} }

func DailyAt(hour, minute, second int) Spec {
	return Spec{Kind: KindDaily, Hour: hour, Minute: minute, Second: second}
}

// Cron fires on a cron expression (seconds field optional, descriptors like
// "@hourly" accepted, "CRON_TZ=" prefix honored).
func Cron(expr string) Spec { return Spec{Kind: KindCron, Expr: strings.TrimSpace(expr)} }

// Weekly fires on the given weekday at h:m:s.
func Weekly(day time.Weekday, hour, minute, second int) Spec {
	return Cron(fmt.Sprintf("%d %d %d * * %d", second, minute, hour, int(day)))
}

// Monthly fires on the given day of month at h:m:s. Months without that day are skipped.
func Monthly(day, hour, minute, second int) Spec {
	return Cron(fmt.Sprintf("%d %d %d %d * *", second, minute, hour, day))
}

// Delay fires once, After past the start of ticking.
func Delay(after time.Duration) Spec { return Spec{Kind: KindDelay, After: after} }

// Event fires whenever the named event is raised on the scheduler.
func Event(name string) Spec { return Spec{Kind: KindEvent, Event: strings.TrimSpace(name)} }

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression the way Cron specs are interpreted.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(expr))
}

// Validate checks the payload of s for its Kind.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindStartup, KindShutdown:
		return nil
	case KindPeriodic:
		if s.Interval <= 0 {
			return fmt.Errorf("periodic interval must be > 0, got %s", s.Interval)
		}
	case KindDaily:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("daily hour out of range [0,23]: %d", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("daily minute out of range [0,59]: %d", s.Minute)
		}
		if s.Second < 0 || s.Second > 59 {
			return fmt.Errorf("daily second out of range [0,59]: %d", s.Second)
		}
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron expression is empty")
		}
		if _, err := ParseCron(s.Expr); err != nil {
			return fmt.Errorf("cron expression %q: %w", s.Expr, err)
		}
	case KindDelay:
		if s.After < 0 {
			return fmt.Errorf("delay must be >= 0, got %s", s.After)
		}
	case KindEvent:
		if s.Event == "" {
			return fmt.Errorf("event name is empty")
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", s.Kind)
	}
	return nil
}

func (s Spec) String() string {
	switch s.Kind {
	case KindPeriodic:
		return "every " + s.Interval.String()
	case KindDaily:
		return fmt.Sprintf("daily at %02d:%02d:%02d", s.Hour, s.Minute, s.Second)
	case KindCron:
		return "cron " + s.Expr
	case KindDelay:
		return "after " + s.After.String()
	case KindEvent:
		return "on " + s.Event
	default:
		return string(s.Kind)
	}
}
