// Package policy implements the coordinator's agent policy port from the
// agents section of the config file.
//
// An agent may fan out to the IDs listed in its can_spawn, or to any agent
// when the list contains "*". Agents absent from the config may not spawn.
// Update swaps the whole rule set atomically, which the server calls from
// its config watcher.
package policy
