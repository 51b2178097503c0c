package cmd

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/strata-data/strata/pkg/logger"
)

func makeLogger(isDebug bool) logger.Logger {
	if !isDebug {
		return zap.NewNop().Sugar()
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	config.OutputPaths = []string{"stderr"}

	l, err := config.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}

	return l.Sugar()
}
