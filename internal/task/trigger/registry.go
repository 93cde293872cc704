package trigger

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Binding is one schedulable plugin method with its stacked specs.
type Binding struct {
	ID      string
	Plugin  string
	Method  string
	Run     Func
	Entries []Entry
}

// Entry is one spec of a binding. Entries of the same binding are scheduled
// and fire independently.
type Entry struct {
	ID        string `json:"id"`
	BindingID string `json:"binding_id"`
	Index     int    `json:"index"`
	Spec      Spec   `json:"spec"`
}

// BindingID returns the identity of plugin.method.
func BindingID(plugin, method string) string { return plugin + "." + method }

// EntryID returns the identity of the i-th spec of a binding.
func EntryID(bindingID string, i int) string { return fmt.Sprintf("%s#%d", bindingID, i) }

// RegistrationError reports a malformed declaration. Only the named binding is dropped.
type RegistrationError struct {
	Binding string
	Index   int // -1 when not tied to a single spec
	Reason  string
}

func (e *RegistrationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("trigger %s#%d: %s", e.Binding, e.Index, e.Reason)
	}
	return fmt.Sprintf("trigger %s: %s", e.Binding, e.Reason)
}

// Build normalizes the declarations of one plugin into bindings.
//
// Declarations sharing a method name stack into one binding, keeping every
// spec in declaration order. The result is sorted by first declaration and is
// deterministic for the same input. Malformed bindings are left out and
// reported as *RegistrationError values joined into the returned error.
func Build(plugin string, decls []Declaration) ([]Binding, error) {
	plugin = strings.TrimSpace(plugin)
	if plugin == "" {
		return nil, &RegistrationError{Binding: "<unnamed>", Index: -1, Reason: "plugin name is empty"}
	}

	type pending struct {
		method string
		run    Func
		specs  []Spec
		errs   []error
	}
	var order []*pending
	byMethod := map[string]*pending{}
	var errs []error

	for _, d := range decls {
		method := strings.TrimSpace(d.Method)
		if method == "" {
			errs = append(errs, &RegistrationError{Binding: BindingID(plugin, "<unnamed>"), Index: -1, Reason: "method name is empty"})
			continue
		}
		p := byMethod[method]
		if p == nil {
			p = &pending{method: method, run: d.Run}
			byMethod[method] = p
			order = append(order, p)
		}
		id := BindingID(plugin, method)
		if d.Run == nil {
			p.errs = append(p.errs, &RegistrationError{Binding: id, Index: -1, Reason: "callable is nil"})
		} else if p.run == nil {
			p.run = d.Run
		} else if !sameFunc(p.run, d.Run) {
			p.errs = append(p.errs, &RegistrationError{Binding: id, Index: -1, Reason: "conflicting callables for one method"})
		}
		for _, s := range d.Specs {
			idx := len(p.specs)
			p.specs = append(p.specs, s)
			if err := s.Validate(); err != nil {
				p.errs = append(p.errs, &RegistrationError{Binding: id, Index: idx, Reason: err.Error()})
				continue
			}
			for j := 0; j < idx; j++ {
				if p.specs[j] == s {
					p.errs = append(p.errs, &RegistrationError{Binding: id, Index: idx, Reason: "duplicate of spec #" + fmt.Sprint(j) + " (" + s.String() + ")"})
					break
				}
			}
		}
		if len(d.Specs) == 0 {
			p.errs = append(p.errs, &RegistrationError{Binding: id, Index: -1, Reason: "no triggers declared"})
		}
	}

	out := make([]Binding, 0, len(order))
	for _, p := range order {
		if len(p.errs) > 0 {
			errs = append(errs, p.errs...)
			continue
		}
		id := BindingID(plugin, p.method)
		b := Binding{ID: id, Plugin: plugin, Method: p.method, Run: p.run}
		b.Entries = make([]Entry, len(p.specs))
		for i, s := range p.specs {
			b.Entries[i] = Entry{ID: EntryID(id, i), BindingID: id, Index: i, Spec: s}
		}
		out = append(out, b)
	}
	return out, errors.Join(errs...)
}

// Split partitions entries of bindings by kind. Used for status output and validation.
func Split(bindings []Binding) map[Kind][]Entry {
	out := map[Kind][]Entry{}
	for _, b := range bindings {
		for _, e := range b.Entries {
			out[e.Spec.Kind] = append(out[e.Spec.Kind], e)
		}
	}
	return out
}

// sameFunc reports whether a and b share their code. Method values of the
// same method and closures from the same literal compare equal.
func sameFunc(a, b Func) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
