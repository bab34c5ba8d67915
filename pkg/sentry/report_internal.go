// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// reportFatal sends a fatal error to Sentry, including a stack trace and a message.
// Afterwards it will report the error to the logger and panic.
func reportFatal(err error, log *zap.SugaredLogger) {
	reportFatalWithContext(err, log, nil)
}

func reportFatalWithContext(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("gridsync has encountered a fatal error and will now terminate.")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	event := createSentryEventWithContext(sentry.LevelFatal, err, context)
	sendSentryEvent(event)
	sentry.Flush(time.Second * 5)

	log.Panic("Fatal error")
}

var errorLastSent = time.Now().Add(-time.Hour * 24)
var errorLastSentMutex = sync.Mutex{}

// reportError sends an error to Sentry, including a stack trace and a message.
// Afterwards it will report the error to the logger.
func reportError(err error, log *zap.SugaredLogger) {
	reportErrorWithContext(err, log, nil)
}

func reportErrorWithContext(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	errorLastSentMutex.Lock()
	defer errorLastSentMutex.Unlock()

	if shouldDebounceErrors && time.Since(errorLastSent) < time.Hour*2 {
		log.Error(err)

		return
	}

	log.Error(err)
	event := createSentryEventWithContext(sentry.LevelError, err, context)
	sendSentryEvent(event)
	errorLastSent = time.Now()
}

var warningLastSent = time.Now().Add(-time.Hour * 24)
var warningLastSentMutex = sync.Mutex{}

// reportWarning sends a warning to Sentry, including a stack trace and a message.
// Afterwards it will report the warning to the logger.
func reportWarning(err error, log *zap.SugaredLogger) {
	reportWarningWithContext(err, log, nil)
}

func reportWarningWithContext(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	warningLastSentMutex.Lock()
	defer warningLastSentMutex.Unlock()

	if shouldDebounceErrors && time.Since(warningLastSent) < time.Hour*2 {
		log.Warn(err)

		return
	}

	log.Warn(err)
	event := createSentryEventWithContext(sentry.LevelWarning, err, context)
	sendSentryEvent(event)
	warningLastSent = time.Now()
}
