/*
Package types holds the definitions shared by every hivemind package.

# Overview

types is the lowest package in the module and depends on no internal package.
Dispatcher, bus, federation, breaker and miner all use it for the error
taxonomy and the shared priority enumeration, which keeps the dependency graph
acyclic.

# Core types

  - Error / ErrorCode: structured error with HTTP status, retryable flag and
    wrapped cause. Codes cover VALIDATION, NOT_FOUND, TIMEOUT,
    EXHAUSTED_FALLBACK and INVALID_TRANSITION at the boundary.
  - Priority: low, medium, high, urgent; encodes by name in JSON.

# Helpers

  - IsCode / AsError / GetErrorCode walk the chain with errors.As.
  - WrapError keeps existing codes and tags plain errors.
*/
package types
