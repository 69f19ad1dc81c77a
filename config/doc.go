// Package config provides the hot-reloadable settings store consulted by
// agentz plugins.
//
// A Gate is loaded from a YAML or JSON document:
//
//	enabled: true
//	advanced:
//	  metricWrapperMethods: false
//	plugins:
//	  sql:
//	    enabled: true
//	    properties:
//	      captureBindParameters: true
//	      stackTraceThresholdMillis: 1000
//
// Every change (Reload, a Watcher noticing a file write, SetProperty and the
// other setters) publishes a new immutable Snapshot and then runs the
// listeners registered with Subscribe. Reads never lock.
//
// Wire a gate into an agent with agent.WithConfig(gate).
package config
