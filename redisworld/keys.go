package redisworld

import "fmt"

// keyspace derives every Redis key this backend touches from a single
// namespace prefix, so multiple backends can share one Redis database.
type keyspace string

func (k keyspace) run(runID string) string   { return fmt.Sprintf("%s:run:%s", k, runID) }
func (k keyspace) runIndex() string          { return fmt.Sprintf("%s:runs", k) }
func (k keyspace) step(runID, stepID string) string {
	return fmt.Sprintf("%s:step:%s:%s", k, runID, stepID)
}
func (k keyspace) stepIndex(runID string) string { return fmt.Sprintf("%s:steps:%s", k, runID) }
func (k keyspace) stepPattern(stepID string) string {
	return fmt.Sprintf("%s:step:*:%s", k, stepID)
}
func (k keyspace) event(eventID string) string { return fmt.Sprintf("%s:event:%s", k, eventID) }
func (k keyspace) eventsByRun(runID string) string { return fmt.Sprintf("%s:events:%s", k, runID) }
func (k keyspace) eventsByCorrelation(corrID string) string {
	return fmt.Sprintf("%s:corr:%s", k, corrID)
}
func (k keyspace) hook(hookID string) string       { return fmt.Sprintf("%s:hook:%s", k, hookID) }
func (k keyspace) hookToken(token string) string   { return fmt.Sprintf("%s:hooktoken:%s", k, token) }
func (k keyspace) hookIndex(runID string) string   { return fmt.Sprintf("%s:hooks:%s", k, runID) }
func (k keyspace) chunk(name, chunkID string) string {
	return fmt.Sprintf("%s:chunk:%s:%s", k, name, chunkID)
}
func (k keyspace) chunkIndex(name string) string   { return fmt.Sprintf("%s:chunks:%s", k, name) }
func (k keyspace) streamChannel(name string) string {
	return fmt.Sprintf("%s:streamch:%s", k, name)
}
func (k keyspace) queueList(prefix string) string  { return fmt.Sprintf("%s:q:%s", k, prefix) }
func (k keyspace) queueChannel(prefix string) string { return fmt.Sprintf("%s:qch:%s", k, prefix) }
func (k keyspace) queueRetry(prefix string) string { return fmt.Sprintf("%s:qretry:%s", k, prefix) }
func (k keyspace) dedup(key string) string         { return fmt.Sprintf("%s:dedup:%s", k, key) }
