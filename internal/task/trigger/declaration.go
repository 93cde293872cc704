package trigger

import (
	"context"
	"time"
)

// Func is the callable a binding dispatches.
type Func func(ctx context.Context) error

// Declaration attaches trigger specs to one plugin method.
//
// It is a value type; every builder method returns a copy:
//
//	trigger.On("scan", p.scan).AtStartup().Every(30*time.Second).DailyAt(6, 45, 0)
type Declaration struct {
	Method string
	Run    Func
	Specs  []Spec
}

func On(method string, run Func) Declaration {
	return Declaration{Method: method, Run: run}
}

// With appends arbitrary specs.
func (d Declaration) With(specs ...Spec) Declaration {
	cp := d
	cp.Specs = append(append([]Spec(nil), d.Specs...), specs...)
	return cp
}

func (d Declaration) AtStartup() Declaration                   { return d.With(Startup()) }
func (d Declaration) AtShutdown() Declaration                  { return d.With(Shutdown()) }
func (d Declaration) Every(interval time.Duration) Declaration { return d.With(Periodic(interval)) }
func (d Declaration) DailyAt(h, m, s int) Declaration          { return d.With(DailyAt(h, m, s)) }
func (d Declaration) Cron(expr string) Declaration             { return d.With(Cron(expr)) }
func (d Declaration) Weekly(day time.Weekday, h, m, s int) Declaration {
	return d.With(Weekly(day, h, m, s))
}
func (d Declaration) Monthly(day, h, m, s int) Declaration  { return d.With(Monthly(day, h, m, s)) }
func (d Declaration) After(delay time.Duration) Declaration { return d.With(Delay(delay)) }
func (d Declaration) OnEvent(name string) Declaration       { return d.With(Event(name)) }
