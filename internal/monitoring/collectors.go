package monitoring

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "gpu"

	LogTopName     string = "monitoring"
	dfrgxSubsystem string = "dfrgx"
	deviceLabel    string = "device"
	decisionLabel  string = "decision"
	logNameKey     string = "name"
	logDeviceKey   string = "device"
)

// ErrSampleMissing is returned by readers for devices without a sample yet.
var ErrSampleMissing = errors.New("no sample recorded for device")

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

// newPerDeviceCollector is generic factory of prometheus Collectors for metrics that are GPU device bound.
// devicesFunc lists the devices at collection time, devices come and go with configuration.
// readFunc is generic function which signature corresponds to methods of the sample store.
// log is Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newPerDeviceCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	devicesFunc func() []string, readFunc func(string) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{deviceLabel},
		nil,
	)
	log.V(4).Info("New perDevice prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, device := range devicesFunc() {
				log.V(5).Info("Collecting metrics for prometheus", logDeviceKey, device)
				val, err := readFunc(device)
				if errors.Is(err, ErrSampleMissing) {
					continue
				}
				if err != nil {
					log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), logDeviceKey, device)
					continue
				}
				ch <- prom.MustNewConstMetric(desc, metricType, float64(val), device)
			}
		},
	}
}
