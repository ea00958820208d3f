// Package openevolve drives an iterative, LLM-guided search over source
// programs. A task declares a target file with demarcated mutable regions
// and a suite of evaluators returning numeric metrics; each generation the
// engine samples parent candidates and instruction templates, asks a
// language model for structured edits, applies them, runs evaluators under
// resource limits, and updates a multi-objective archive that feeds the
// next generation.
//
// Key Components:
//
//   - Store: SQLite-backed persistent record of runs, candidates,
//     evaluations and meta-prompts; candidate writes are transactional so
//     runs resume cleanly.
//
//   - PatchEngine: parses structured search/replace edits and unified
//     diffs, applies them to EVOLVE-BLOCK regions with snapshot and
//     bit-exact revert.
//
//   - PromptSampler: assembles a budgeted long-context prompt from elite,
//     novel and failed exemplars around the current code.
//
//   - EvaluatorCascade: ordered evaluator stages running as separate OS
//     processes with bounded parallelism, wall-clock timeouts and early
//     cancellation.
//
//   - Archive: bounded multi-objective collection of accepted candidates
//     with Pareto ranking, novelty scoring, ageing and mixture sampling.
//
//   - MetaPromptPool: co-evolving population of instruction templates with
//     surface mutations and downstream fitness attribution.
//
//   - Engine: the generational orchestrator tying the above together.
//
// See cmd/openevolve for the CLI surface.
package openevolve
