// Package bus carries messages and shared knowledge between workers.
//
// Every joined worker owns a bounded inbox. Messages go to one worker or to
// all of them, and a colony scoped broadcast also leaves the hive through
// the attached Colony. Knowledge entries live in a KnowledgeStore, either
// in memory or in Redis. LearnFromOthers falls back to peer hives on a
// local miss. AskForHelp waits up to five seconds for the first reply.
package bus
