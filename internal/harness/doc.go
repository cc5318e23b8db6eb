// Package harness runs query scenarios end to end and compares them against
// golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	schema: ../schema/blog.cue      # optional; defaults to the fixture schema
//	seed:
//	  - INSERT INTO users (id, tenant_id, name) VALUES (1, 'acme', 'ada')
//	permissions:
//	  editor:
//	    posts: { author: { status: active } }
//	steps:
//	  - name: first read
//	    query:
//	      collection: posts
//	      filter: { status: published }
//	      fields: [id, title]
//	      sort: -views
//	      limit: 10
//	      as: { user: "1", role: editor, tenant: acme }
//	    expect:
//	      ids: [2, 4]
//	      cached: false
//	  - write: users
//	  - exec: UPDATE posts SET status = 'draft' WHERE id = 2
//	assertions:
//	  - type: executions
//	    count: 2
//	  - type: final_state
//	    table: posts
//	    where: { id: 2 }
//	    expect: { status: draft }
//
// # Assertion Types
//
//   - executions: the executor ran exactly count times
//   - sql_contains: the SQL of step contains text
//   - dependencies: the dependency set of step equals tables
//   - final_state: queries a table and verifies expected values
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory SQLite database with a
// fixed clock and sequential request ids, so the recorded trace is
// identical across runs and can be compared with goldie.
package harness
