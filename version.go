package nsq

// VERSION identifies the current version of this client library
const VERSION = "1.3.0"
