// Package captions collects live transcripts from a pluggable speech source.
package captions

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultMaxCaptions = 50

var ErrAlreadyStarted = errors.New("caption source already started")

type Transcript struct {
	Username  string
	Text      string
	Timestamp time.Time
}

// Source produces final transcripts of local speech.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	OnTranscript(fn func(Transcript))
}

// Log keeps the most recent transcripts from a Source.
type Log struct {
	source Source
	max    int

	mu        sync.Mutex
	captions  []Transcript
	listening bool
}

func NewLog(source Source, max int) *Log {
	if max <= 0 {
		max = DefaultMaxCaptions
	}
	l := &Log{source: source, max: max}
	source.OnTranscript(l.add)
	return l
}

func (l *Log) add(t Transcript) {
	t.Text = strings.TrimSpace(t.Text)
	if t.Text == "" {
		return
	}
	if t.Username == "" {
		t.Username = "You"
	}

	l.mu.Lock()
	l.captions = append(l.captions, t)
	if len(l.captions) > l.max {
		l.captions = l.captions[len(l.captions)-l.max:]
	}
	l.mu.Unlock()
}

// Toggle starts the source when idle and stops it when listening. It
// returns the new listening state.
func (l *Log) Toggle(ctx context.Context) (bool, error) {
	l.mu.Lock()
	listening := l.listening
	l.mu.Unlock()

	if listening {
		if err := l.source.Stop(); err != nil {
			return true, err
		}
	} else if err := l.source.Start(ctx); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.listening = !listening
	l.mu.Unlock()
	return !listening, nil
}

func (l *Log) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

func (l *Log) Captions() []Transcript {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transcript(nil), l.captions...)
}

// LineSource treats every line read from r as one final transcript. The
// headless client uses it to feed captions from stdin or a file.
//
// A single goroutine reads r for the lifetime of the source. Start and Stop
// only gate delivery, and lines read while stopped are discarded.
type LineSource struct {
	r        io.Reader
	username string
	now      func() time.Time

	readOnce sync.Once

	mu         sync.Mutex
	fn         func(Transcript)
	listening  bool
	gen        int
	stopOnDone func() bool
}

func NewLineSource(r io.Reader, username string) *LineSource {
	return &LineSource{r: r, username: username, now: time.Now}
}

func (s *LineSource) OnTranscript(fn func(Transcript)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

// Start resumes delivery until Stop is called or ctx is done.
func (s *LineSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.listening = true
	s.gen++
	gen := s.gen
	s.stopOnDone = context.AfterFunc(ctx, func() { s.stop(gen) })
	s.mu.Unlock()

	s.readOnce.Do(func() { go s.read() })
	return nil
}

func (s *LineSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

// stop ends the listening period started as gen, if it is still current.
func (s *LineSource) stop(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.stopLocked()
	}
}

func (s *LineSource) stopLocked() {
	s.listening = false
	if s.stopOnDone != nil {
		s.stopOnDone()
		s.stopOnDone = nil
	}
}

func (s *LineSource) read() {
	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		fn := s.fn
		if !s.listening {
			fn = nil
		}
		s.mu.Unlock()
		if fn != nil {
			fn(Transcript{Username: s.username, Text: line, Timestamp: s.now()})
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Caption source read failed")
	}
}
