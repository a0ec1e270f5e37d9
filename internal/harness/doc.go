// Package harness runs declarative scenarios against a real engine and
// checks the outcome, either with inline expectations or against golden
// snapshots.
//
// # Scenario Format
//
// Scenarios are YAML files. Rule files are loaded before the engine
// starts; steps then run in order, each settling the engine before the
// next one begins:
//
//	name: order-pairing
//	description: "Payment within the window pairs the order."
//	rules:
//	  - ../rules/pairing.yaml
//	steps:
//	  - emit: { topic: order.created, data: { orderId: A-1, total: 100 } }
//	  - advance: 2m
//	  - emit: { topic: payment.received, data: { orderId: A-1, amount: 100 } }
//	  - expect:
//	      events:
//	        - { topic: order.paired, count: 1 }
//
// Each step does exactly one thing: emit, set_fact, delete_fact,
// advance (move the fake clock and fire due timers), apply (load a rule
// file into the running engine), rollback (restore an earlier rule
// version), or expect.
//
// # Expectations
//
// An expect step checks facts, captured events, and engine statistics:
//
//	- expect:
//	    facts:
//	      - { key: "order:A-1:flagged", value: true }
//	      - { key: "order:A-2:flagged", absent: true }
//	    events:
//	      - { topic: "audit.*", count: 2, data: { orderId: A-1 } }
//	    stats: { rulesExecuted: 3, timersFired: 1 }
//
// A fact expectation without a value asserts mere existence. Event
// expectations match captured external events by topic pattern, then
// optionally by source and a top-level data subset; without a count
// they assert at least one match. Failed expectations accumulate on
// the Result rather than aborting the run.
//
// # Determinism
//
// Runs use a fake clock pinned to a fixed epoch, sequential event IDs,
// and a discarded logger, so the same scenario always produces the same
// Result. Canonical JSON of the Result is what golden files store;
// regenerate them with:
//
//	go test ./internal/harness -update
package harness
