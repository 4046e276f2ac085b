// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the pure domain concepts of the upload engine: the
part, file handle, sink and result types that the workers and the HTTP
boundary share. Code in here must stay free of transport and worker
concerns.

  - it's fine to import from any subpackage of
    "github.com/juju/fieldstream/core"
  - never import from any *other* subpackage of
    "github.com/juju/fieldstream"
  - no mutable global state
*/
package core
