package fsm

import (
	"fmt"

	"github.com/rs/zerolog"
)

// raftLogger adapts a zerolog.Logger to the consensus library's Logger
// interface so raft-internal diagnostics flow through the same structured
// sink as the rest of the process.
type raftLogger struct {
	log zerolog.Logger
}

func (l raftLogger) Debug(v ...interface{})                   { l.log.Debug().Msg(sprint(v...)) }
func (l raftLogger) Debugf(format string, v ...interface{})   { l.log.Debug().Msgf(format, v...) }
func (l raftLogger) Error(v ...interface{})                   { l.log.Error().Msg(sprint(v...)) }
func (l raftLogger) Errorf(format string, v ...interface{})   { l.log.Error().Msgf(format, v...) }
func (l raftLogger) Info(v ...interface{})                    { l.log.Info().Msg(sprint(v...)) }
func (l raftLogger) Infof(format string, v ...interface{})    { l.log.Info().Msgf(format, v...) }
func (l raftLogger) Warning(v ...interface{})                 { l.log.Warn().Msg(sprint(v...)) }
func (l raftLogger) Warningf(format string, v ...interface{}) { l.log.Warn().Msgf(format, v...) }
func (l raftLogger) Fatal(v ...interface{})                   { l.log.Fatal().Msg(sprint(v...)) }
func (l raftLogger) Fatalf(format string, v ...interface{})   { l.log.Fatal().Msgf(format, v...) }
func (l raftLogger) Panic(v ...interface{})                   { l.log.Panic().Msg(sprint(v...)) }
func (l raftLogger) Panicf(format string, v ...interface{})   { l.log.Panic().Msgf(format, v...) }

func sprint(v ...interface{}) string {
	return fmt.Sprint(v...)
}
