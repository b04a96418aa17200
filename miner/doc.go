// Package miner collects failure reports and folds recurring ones into
// patterns.
//
// Each report gets a signature from a Normalizer. A report matching a known
// pattern is a duplicate; the second unmatched report sharing a signature
// creates a new pattern. Every change is mirrored to an optional Exporter and
// persisted through an optional Repository, such as GormRepository.
//
// Miner implements dispatcher.FailureSink, so failed tasks land here as
// reports of type TaskFailureType.
package miner
