// Package ir provides the identity and value types shared by every scenehost
// package.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps it the foundational
// layer with no circular dependencies.
//
// Two families of types live here:
//   - Identity: Entity (number + generation), ComponentID, Timestamp,
//     ActorID, SceneID, Namespace, Parcel.
//   - Values: the IRValue model that every op argument and result is
//     marshalled through when it crosses the sandbox boundary.
//
// Key design constraints:
//   - Entities are referenced by index (number + generation), never by pointer
//   - IRValue is sealed; host code never sees script objects directly
//   - Canonical JSON (RFC 8785 ordering, NFC strings) is the only encoding
//     used for content-addressed keys
package ir
