// Package scheduler fires configured jobs and script-registered schedules
// onto the ingress bus as trusted events.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// Payload prefixes understood by the controller.
const (
	JobPrefix    = "EXECUTE_JOB: "
	ScriptPrefix = "EXECUTE_SCRIPT: "
)

// ScriptKey is the namespace of script-registered entries. Scripts can
// never replace an operator job of the same name.
const ScriptKey = "script:"

// ScriptSource is the source prefix of fired script entries. The
// controller only honours EXECUTE_SCRIPT from it.
const ScriptSource = ingress.SourceScheduler + ScriptKey

// Pusher is where fired jobs go. The ingress bus implements it.
type Pusher interface {
	Push(ctx context.Context, m ingress.Message) error
}

var parser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Validate reports whether spec is a schedule the scheduler accepts.
func Validate(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// Scheduler wraps a cron runner. Entries are keyed by name; registering a
// name again replaces its schedule.
type Scheduler struct {
	cron *cron.Cron
	bus  Pusher
	log  *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	kinds   map[string]string
}

// New creates a stopped scheduler.
func New(bus Pusher) *Scheduler {
	log := logger.Global().WithPrefix("scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger{log}),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		),
		bus:     bus,
		log:     log,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		kinds:   make(map[string]string),
	}
}

// LoadJobs schedules every configured job. A bad job is reported and the
// rest still load.
func (s *Scheduler) LoadJobs(jobs []config.JobConfig) []error {
	var errs []error
	for _, j := range jobs {
		if strings.TrimSpace(j.Name) == "" {
			errs = append(errs, fmt.Errorf("job with schedule %q has no name", j.Schedule))
			continue
		}
		if err := s.add(j.Name, j.Schedule, "job", JobPrefix+j.Prompt); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.Info("scheduled job %s (%s)", j.Name, j.Schedule)
	}
	return errs
}

// RegisterScript schedules a script run under ScriptKey+name. Scripts call
// this through their schedule op after the capability check on scriptPath.
func (s *Scheduler) RegisterScript(name, spec, scriptPath string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("script schedule for %s has no name", scriptPath)
	}
	key := ScriptKey + name
	if err := s.add(key, spec, "script", ScriptPrefix+scriptPath); err != nil {
		return err
	}
	s.log.Info("registered dynamic job %s (%s) -> %s", key, spec, scriptPath)
	return nil
}

func (s *Scheduler) add(name, spec, kind, payload string) error {
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return fmt.Errorf("job %s: invalid cron expression %q: %w", name, spec, err)
	}
	source := ingress.SourceScheduler + name
	job := cron.FuncJob(func() { s.fire(name, source, payload) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = s.cron.Schedule(sched, job)
	s.kinds[name] = kind
	return nil
}

func (s *Scheduler) fire(name, source, payload string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.log.Info("job triggered: %s", name)
	if err := s.bus.Push(ctx, ingress.NewMessage(source, payload)); err != nil {
		s.log.Error("failed to dispatch job %s: %v", name, err)
	}
}

// Trigger fires a named entry immediately, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no job named %s", name)
	}
	entry := s.cron.Entry(id)
	if entry.Job == nil {
		return fmt.Errorf("no job named %s", name)
	}
	entry.Job.Run()
	return nil
}

// Remove drops a named entry.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if ok {
		s.cron.Remove(id)
		delete(s.entries, name)
		delete(s.kinds, name)
	}
	return ok
}

// Entry describes a scheduled entry.
type Entry struct {
	Name string
	Kind string
	Next string
}

// Entries lists the scheduled entries by name. Before Start, Next is
// computed from the schedule.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		e := Entry{Name: name, Kind: s.kinds[name]}
		entry := s.cron.Entry(id)
		next := entry.Next
		if next.IsZero() && entry.Schedule != nil {
			next = entry.Schedule.Next(now)
		}
		if !next.IsZero() {
			e.Next = next.Format("2006-01-02 15:04:05")
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs the scheduler until ctx ends. Fired jobs push with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("%s %s", msg, formatKV(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("%s: %v %s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
