// Package queue defines the contract every exchange-record queue backend
// satisfies, the adapter that binds a backend to a machine identity, the
// hierarchical queue configuration and the factory that turns a
// configuration node into a ready-to-use backend.
//
// Backends live in sub-packages (sqlite, postgres, file, memory, multi) and
// register a Builder with DefaultRegistry from their init function, so the
// backend is selected by a configuration string without runtime reflection:
//
//	loader := &queue.Loader{Directory: "/etc/cncqueue"}
//	factory := queue.NewFactory(logger)
//	q, err := factory.Open(ctx, loader, machineID, moduleID, defaults)
//
// # Configuration
//
// The configuration document is a tree of queue nodes:
//
//	<queue xmlns="urn:atsora:cncqueue:queue" type="multi">
//	  <configuration VacuumFreePages="500"/>
//	  <queues>
//	    <queue type="sqlite"><configuration Directory="/var/lib/cnc"/></queue>
//	    <queue type="file"><configuration/></queue>
//	  </queues>
//	</queue>
//
// Loader resolves the document from an explicit payload, a remote file
// synchronized to a local cache, a local override file or a local default
// file, in that order, and falls back to the DefaultBackendType with empty
// settings when nothing is available. Configuration resolution never fails;
// building a backend does fail loudly when its type is unknown or broken.
//
// # Consumption
//
// A consumer typically peeks records, processes them, then acknowledges
// them with UnsafeDequeue. UnsafeDequeue performs no verification: calling
// it for records that were not processed loses them.
package queue
