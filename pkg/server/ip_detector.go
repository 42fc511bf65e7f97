package server

import (
	"fmt"
	"net"
	"strings"
)

// 优先选择的接口名称（按优先级排序）
var preferredInterfaces = []string{"wlan", "wifi", "wireless", "ethernet", "eth", "en"}

// GetLocalIP 获取本机IPv4地址，用于启动时打印访问地址
// 优先选择常见网卡上的私有地址，其次任意非虚拟网卡上的私有地址，最后任意非回环地址
func GetLocalIP() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, preferred := range preferredInterfaces {
		for _, iface := range interfaces {
			if strings.Contains(strings.ToLower(iface.Name), preferred) {
				if ip := privateIPv4(iface); ip != nil {
					return ip.String(), nil
				}
			}
		}
	}

	for _, iface := range interfaces {
		name := strings.ToLower(iface.Name)
		// 跳过回环接口和虚拟接口
		if iface.Flags&net.FlagLoopback != 0 || strings.Contains(name, "vmware") || strings.Contains(name, "virtual") {
			continue
		}
		if ip := privateIPv4(iface); ip != nil {
			return ip.String(), nil
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ip := nonLoopbackIPv4(addr); ip != nil {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("未找到有效的IP地址")
}

func privateIPv4(iface net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ip := nonLoopbackIPv4(addr); ip != nil && ip.IsPrivate() {
			return ip
		}
	}
	return nil
}

func nonLoopbackIPv4(addr net.Addr) net.IP {
	ipnet, ok := addr.(*net.IPNet)
	if !ok || ipnet.IP.IsLoopback() {
		return nil
	}
	return ipnet.IP.To4()
}
