package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with info level",
			format: "text",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc: "empty format with info level",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with debug level",
			format: "text",
			level:  "debug",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.DebugLevel,
			},
		},
		{
			desc:   "text format with invalid level",
			format: "text",
			level:  "invalid-level",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			require.NoError(t, Configure(loggers, tc.format, tc.level))
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestConfigure_invalidFormat(t *testing.T) {
	loggers := []*logrus.Logger{{}}
	require.EqualError(t, Configure(loggers, "yaml", "info"), `invalid logger format: "yaml"`)
	require.Equal(t, []*logrus.Logger{{}}, loggers)
}

func TestConfigure_grpcGoQuieterAtInfo(t *testing.T) {
	defer func() { grpcGo.SetLevel(logrus.InfoLevel) }()

	require.NoError(t, Configure([]*logrus.Logger{grpcGo}, "", "info"))
	require.Equal(t, logrus.WarnLevel, grpcGo.GetLevel())

	require.NoError(t, Configure([]*logrus.Logger{grpcGo}, "", "debug"))
	require.Equal(t, logrus.DebugLevel, grpcGo.GetLevel())
}
