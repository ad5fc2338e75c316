// Package contentsource enumerates the content items a pipeline processes.
//
// A Resolver picks the Source registered for a definition's source type and
// converts observations into pipeline.ContentItem values. The filesystem
// source walks a directory tree; the static source serves items declared in
// the definition itself. Change detection against prior runs happens in the
// registry package, not here.
package contentsource
