package store

// RunConformance lets the external backend tests reuse the shared suite.
var RunConformance = runConformance
