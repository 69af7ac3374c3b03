// Copyright (c) 2026 John Earle
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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ClassificationCount.WithLabelValues("fallback"))
	IncrementClassification(true)
	if got := testutil.ToFloat64(ClassificationCount.WithLabelValues("fallback")); got != before+1 {
		t.Errorf("fallback classifications = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(NotificationCount.WithLabelValues("failed"))
	IncrementNotification(false)
	if got := testutil.ToFloat64(NotificationCount.WithLabelValues("failed")); got != before+1 {
		t.Errorf("failed notifications = %v, want %v", got, before+1)
	}
}
