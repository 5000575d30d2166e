/*
Copyright © 2026 The MultiROM Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import (
	"github.com/sirupsen/logrus"
)

// NewLogrusLogger returns the concrete Logger every cmd/ binary uses outside
// of tests. The original trampoline logs everything through klog to the
// kernel ring buffer with a per-component tag (mrom_set_log_tag); logrus's
// WithField("tag", ...) plays the same role without losing structure.
func NewLogrusLogger(tag string) Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return l.WithField("tag", tag)
}
