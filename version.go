package tandem

// Version is the current release of tandem.
const Version = "0.1.0"
