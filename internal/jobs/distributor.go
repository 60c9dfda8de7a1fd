package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bardlex/hivepool/internal/target"
	"github.com/bardlex/hivepool/pkg/log"
)

// ErrNoTemplate is returned while no block template has been received.
var ErrNoTemplate = errors.New("no block template yet")

// Conn is the connection side of job distribution.
type Conn interface {
	Difficulty() float64
	Jobs() *Buffer
	SendJob(job *Job) error
}

// Distributor holds the current template and issues jobs from it. The
// template is written only by the template callback and is visible to every
// reader before Broadcast starts sending.
type Distributor struct {
	current atomic.Pointer[Template]
	logger  *log.Logger
	now     func() time.Time
	onIssue func(*Job)
}

// NewDistributor creates a distributor with no template.
func NewDistributor(logger *log.Logger) *Distributor {
	return &Distributor{
		logger: logger.WithComponent("jobs"),
		now:    time.Now,
	}
}

// OnIssue registers a hook called for every job sent.
func (d *Distributor) OnIssue(fn func(*Job)) {
	d.onIssue = fn
}

// Current returns the template jobs are issued from, or nil.
func (d *Distributor) Current() *Template {
	return d.current.Load()
}

// SetTemplate publishes t without notifying connections.
func (d *Distributor) SetTemplate(t *Template) {
	d.current.Store(t)
}

// IssueJob builds a job at the connection's difficulty, buffers it and sends
// it. The job target is never below the network target.
func (d *Distributor) IssueJob(c Conn) (*Job, error) {
	t := d.current.Load()
	if t == nil {
		return nil, ErrNoTemplate
	}

	id, err := NewJobID()
	if err != nil {
		return nil, err
	}

	difficulty := c.Difficulty()
	jobTarget := target.DifficultyToTarget(difficulty)
	if jobTarget.Cmp(t.Target) < 0 {
		jobTarget.Set(t.Target)
		difficulty = t.Difficulty
	}

	job := &Job{
		ID:         id,
		Target:     jobTarget,
		Difficulty: difficulty,
		Template:   t,
		IssuedAt:   d.now(),
	}
	c.Jobs().Push(job)
	if err := c.SendJob(job); err != nil {
		return nil, err
	}
	if d.onIssue != nil {
		d.onIssue(job)
	}
	return job, nil
}

// Broadcast publishes t and issues a fresh job to every connection. Delivery
// is best effort; it returns the number of connections reached.
func (d *Distributor) Broadcast(t *Template, conns []Conn) int {
	d.current.Store(t)

	sent := 0
	for _, c := range conns {
		if _, err := d.IssueJob(c); err != nil {
			d.logger.WithError(err).Debug("job not delivered")
			continue
		}
		sent++
	}
	d.logger.LogJobDistribution(t.Nbits, sent)
	return sent
}

// NewJobID returns a random 16 character hex id.
func NewJobID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
