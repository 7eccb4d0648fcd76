package rtc

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// settingEngine routes pion's internal logging through zerolog.
func settingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = zerologFactory{}
	return se
}

type zerologFactory struct{}

func (zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: log.With().Str("module", "pion."+scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p *pionLogger) Trace(msg string)                  { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(f string, args ...any)      { p.l.Trace().Msgf(f, args...) }
func (p *pionLogger) Debug(msg string)                  { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(f string, args ...any)      { p.l.Debug().Msgf(f, args...) }
func (p *pionLogger) Info(msg string)                   { p.l.Info().Msg(msg) }
func (p *pionLogger) Infof(f string, args ...any)       { p.l.Info().Msgf(f, args...) }
func (p *pionLogger) Warn(msg string)                   { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(f string, args ...any)       { p.l.Warn().Msgf(f, args...) }
func (p *pionLogger) Error(msg string)                  { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(f string, args ...any)      { p.l.Error().Msgf(f, args...) }
