package redis

import "fmt"

// Redis key naming conventions.
// All keys are prefixed with "moltnet:" to avoid collisions.

const keyPrefix = "moltnet:"

// ── Workflow keys ──

// runKey returns the key for a workflow run entity: moltnet:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runIDsKey is the Set tracking all run IDs for enumeration.
const runIDsKey = keyPrefix + "run_ids"

// checkpointKey returns the key for a checkpoint: moltnet:checkpoint:{runID}:{step}
func checkpointKey(runID, step string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", keyPrefix, runID, step)
}

// checkpointIndexKey returns the Set key tracking checkpoint steps for a run.
func checkpointIndexKey(runID string) string {
	return keyPrefix + "checkpoint_idx:" + runID
}

// ── Event keys ──

// broadcastKey returns the key for a broadcast slot: moltnet:broadcast:{runID}:{key}
func broadcastKey(runID, key string) string {
	return fmt.Sprintf("%sbroadcast:%s:%s", keyPrefix, runID, key)
}

// messageQueueKey returns the List key for a directed message queue:
// moltnet:messages:{runID}:{topic}
func messageQueueKey(runID, topic string) string {
	return fmt.Sprintf("%smessages:%s:%s", keyPrefix, runID, topic)
}

// ── Diary keys ──

// entryKey returns the key for a diary entry entity: moltnet:entry:{id}
func entryKey(id string) string { return keyPrefix + "entry:" + id }

// ── Signing keys ──

// requestKey returns the key for a signing request entity: moltnet:signing:{id}
func requestKey(id string) string { return keyPrefix + "signing:" + id }
