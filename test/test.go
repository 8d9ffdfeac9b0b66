// Package test provides assertion helpers shared by the package tests.
package test

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// AssertNotError checks that err is nil.
func AssertNotError(t *testing.T, err error, message string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", message, err)
	}
}

// AssertError checks that err is non-nil.
func AssertError(t *testing.T, err error, message string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but received none", message)
	}
}

// AssertErrorIs checks that errors.Is(err, target) is true.
func AssertErrorIs(t *testing.T, err error, target error) {
	t.Helper()
	if err == nil {
		t.Fatal("err was unexpectedly nil and should not have been")
	}
	if !errors.Is(err, target) {
		t.Fatalf("error %q is not %q", err, target)
	}
}

// AssertEquals uses the equality operator (==) to measure one and two.
func AssertEquals(t *testing.T, one interface{}, two interface{}) {
	t.Helper()
	if reflect.TypeOf(one) != reflect.TypeOf(two) {
		t.Fatalf("cannot test equality of different types: %T != %T", one, two)
	}
	if one != two {
		t.Fatalf("%#v != %#v", one, two)
	}
}

// AssertNotEquals uses the equality operator to measure that one and two
// are different.
func AssertNotEquals(t *testing.T, one interface{}, two interface{}) {
	t.Helper()
	if one == two {
		t.Fatalf("%#v == %#v", one, two)
	}
}

// AssertDeepEquals uses the reflect.DeepEqual method to measure one and two.
func AssertDeepEquals(t *testing.T, one interface{}, two interface{}) {
	t.Helper()
	if !reflect.DeepEqual(one, two) {
		t.Fatalf("[%+v] !(deep)= [%+v]", one, two)
	}
}

// AssertByteEquals uses bytes.Equal to measure one and two for equality.
func AssertByteEquals(t *testing.T, one []byte, two []byte) {
	t.Helper()
	if !reflect.DeepEqual(one, two) {
		t.Fatalf("byte slices not equal: %#v != %#v", one, two)
	}
}

// AssertContains determines whether needle can be found in haystack.
func AssertContains(t *testing.T, haystack string, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("string %q does not contain %q", haystack, needle)
	}
}

// AssertNotContains determines if needle is not found in haystack.
func AssertNotContains(t *testing.T, haystack string, needle string) {
	t.Helper()
	if strings.Contains(haystack, needle) {
		t.Fatalf("string %q contains %q", haystack, needle)
	}
}

// AssertUnmarshaledEquals unmarshals two JSON strings to maps and asserts
// that they are deeply equal, ignoring field ordering.
func AssertUnmarshaledEquals(t *testing.T, got, expected string) {
	t.Helper()
	var gotMap, expectedMap map[string]interface{}
	err := json.Unmarshal([]byte(got), &gotMap)
	AssertNotError(t, err, "failed to unmarshal got")
	err = json.Unmarshal([]byte(expected), &expectedMap)
	AssertNotError(t, err, "failed to unmarshal expected")
	if len(gotMap) != len(expectedMap) {
		t.Errorf("got %d keys, expected %d", len(gotMap), len(expectedMap))
	}
	for k, v := range expectedMap {
		if !reflect.DeepEqual(v, gotMap[k]) {
			t.Errorf("key %q: got %#v, expected %#v", k, gotMap[k], v)
		}
	}
}

// AssertMetricWithLabelsEquals determines whether the value held by a
// prometheus Collector (e.g. Gauge, Counter, CounterVec, etc) is equal to the
// expected float64, summing across all series matching the given labels.
func AssertMetricWithLabelsEquals(t *testing.T, c prometheus.Collector, l prometheus.Labels, expected float64) {
	t.Helper()
	ch := make(chan prometheus.Metric)
	done := make(chan struct{})
	var total float64
	go func() {
		for m := range ch {
			var iom io_prometheus_client.Metric
			_ = m.Write(&iom)
			if metricLabelsMatch(iom.GetLabel(), l) {
				switch {
				case iom.Counter != nil:
					total += iom.Counter.GetValue()
				case iom.Gauge != nil:
					total += iom.Gauge.GetValue()
				case iom.Histogram != nil:
					total += float64(iom.Histogram.GetSampleCount())
				}
			}
		}
		close(done)
	}()
	c.Collect(ch)
	close(ch)
	<-done
	if total != expected {
		t.Fatalf("metric with labels %v: got %g, expected %g", l, total, expected)
	}
}

func metricLabelsMatch(pairs []*io_prometheus_client.LabelPair, l prometheus.Labels) bool {
	for name, value := range l {
		found := false
		for _, pair := range pairs {
			if pair.GetName() == name && pair.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
