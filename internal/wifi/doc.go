// Package wifi provides the network-side collaborators of the
// connectivity supervisor on a Linux host: a NetworkManager-driven
// station link and configuration access point, a link for hosts whose
// network is managed elsewhere, the captive-portal DNS responder used
// while the device waits for WiFi credentials, and mDNS advertisement
// of the admin interface.
package wifi
