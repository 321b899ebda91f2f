package build

import "os"

// Release identifies which build of pmemkv is running. It gates whether
// Critical/Severe panic (DEBUG) and whether they print a stack trace
// ("testing" suppresses the trace so test output stays readable).
var Release = "standard"

// DEBUG controls whether Critical/Severe panic after logging. It is true
// unless PMEMKV_RELEASE=standard is set, matching the teacher's convention
// of panicking by default everywhere except production builds.
var DEBUG = os.Getenv("PMEMKV_RELEASE") != "standard"
