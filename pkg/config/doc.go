// Package config loads the provisioning configuration and plan files.
//
// # Configuration
//
// The configuration is a YAML document with four sections:
//
//	registry:
//	  root: /var/lib/provision/registry
//	  compress: false
//	  watch: true
//	store:
//	  path: /var/lib/provision/journal.db
//	  keep: 100
//	phases:
//	  exclude: [collect]
//	  weights:
//	    install: 80
//	telemetry:
//	  logging:
//	    level: debug
//
// Missing fields take the values of Default. PROVISION_REGISTRY_ROOT,
// PROVISION_STORE_PATH and LOG_LEVEL override the file. Watch reloads the
// file whenever it changes on disk.
//
// # Plan files
//
// A plan file describes one transaction against a profile:
//
//	profile: sdk
//	add:
//	  - id: tool
//	    version: 1.0.0
//	    touchpoint: {id: native, version: 1.0.0}
//	    instructions:
//	      install:
//	        - body: mkdir(path:${installFolder}/bin)
//	remove:
//	  - {id: old-tool, version: 0.9.0}
//	properties:
//	  set: {channel: stable}
//	  remove: [beta]
//
// LoadPlanFile decodes and validates it; PlanFile.Build turns it into an
// engine.Plan against the current profile.
package config
