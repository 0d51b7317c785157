/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package inspect tracks the identity of remote execution contexts (isolates)
across debuggee restarts and coordinates bursts of UI-triggered fetch
operations against them.

  - Registry: maps a logical isolate name to the service's current id for it,
    bumping an epoch whenever the id is invalidated. Any value derived under an
    older epoch is stale and must be re-fetched.
  - Coordinator: deduplicates and debounces fetches keyed by (operation kind,
    target id), caching results together with the epoch they were obtained
    under.
*/
package inspect
