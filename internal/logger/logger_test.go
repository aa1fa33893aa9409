package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textInfoString  = `^time="[0-9/:. ]{26}" severity=INFO message="www.infoExample.com"`
	jsonInfoString  = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"INFO","message":"www.infoExample.com"}`
	textErrorString = `^time="[0-9/:. ]{26}" severity=ERROR message="www.errorExample.com"`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level string) {
	programLevel = new(slog.LevelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, ""))
	setLoggingLevel(level, programLevel)
}

func (t *LoggerTest) TestTextFormatAtInfoLevel() {
	defaultLoggerFactory.format = "text"
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, INFO)

	Debugf("www.debugExample.com") // below INFO, suppressed
	assert.Empty(t.T(), buf.String())

	Infof("www.infoExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(textInfoString), buf.String())
}

func (t *LoggerTest) TestJSONFormatAtInfoLevel() {
	defaultLoggerFactory.format = "json"
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, INFO)

	Infof("www.infoExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(jsonInfoString), buf.String())
}

func (t *LoggerTest) TestLevelOffSuppressesEverything() {
	defaultLoggerFactory.format = "text"
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, OFF)

	Errorf("www.errorExample.com")
	assert.Empty(t.T(), buf.String())
}

func (t *LoggerTest) TestLevelErrorOnlyLogsError() {
	defaultLoggerFactory.format = "text"
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, ERROR)

	Warnf("suppressed")
	assert.Empty(t.T(), buf.String())

	Errorf("www.errorExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(textErrorString), buf.String())
}

func (t *LoggerTest) TestSetLoggingLevel() {
	testData := []struct {
		inputLevel    string
		expectedLevel slog.Level
	}{
		{TRACE, LevelTrace},
		{DEBUG, LevelDebug},
		{INFO, LevelInfo},
		{WARNING, LevelWarn},
		{ERROR, LevelError},
		{OFF, LevelOff},
	}

	for _, test := range testData {
		v := new(slog.LevelVar)
		setLoggingLevel(test.inputLevel, v)
		assert.Equal(t.T(), test.expectedLevel, v.Level())
	}
}

func (t *LoggerTest) TestSetLogFormat() {
	defaultLoggerFactory = &loggerFactory{
		sysWriter: nil,
		level:     INFO,
	}
	var buf bytes.Buffer
	defaultLoggerFactory.sysWriter = &buf

	SetLogFormat("json")
	assert.Equal(t.T(), "json", defaultLoggerFactory.format)
	Infof("www.infoExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(jsonInfoString), buf.String())
}
