// Copyright 2024 The gVisor Authors.
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

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{DisableTimestamp: true})

	bl := BasicLogger{Level: Info, Emitter: NewLogrusEmitter(l)}
	bl.Debugf("hidden")
	bl.Infof("mapped %d pages", 3)
	bl.Warningf("overlap at %#x", 0x1000)

	type line struct {
		Level  string `json:"level"`
		Msg    string `json:"msg"`
		Caller string `json:"caller"`
	}
	var got []line
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var l line
		if err := dec.Decode(&l); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if l.Caller == "" {
			t.Errorf("line %+v has no caller", l)
		}
		l.Caller = ""
		got = append(got, l)
	}
	want := []line{
		{Level: "info", Msg: "mapped 3 pages"},
		{Level: "warning", Msg: "overlap at 0x1000"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}
