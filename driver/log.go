// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import "github.com/sirupsen/logrus"

// logger records cursor lifecycle events at debug level. It defaults to the
// logrus standard logger so that applications configure it the same way they
// configure the rest of their logging.
var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used by this package. Passing nil restores
// the logrus standard logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	logger = l
}
