package policy

// MaxHorizontalScale is the largest replica count a deployment may ask for.
const MaxHorizontalScale = 256

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		imageTagPolicy(),
		scaleBoundsPolicy(),
		portsPolicy(),
		managedURLPolicy(),
		databasePlanPolicy(),
	}
}

// imageTagPolicy requires every deployment to name what it runs.
func imageTagPolicy() Policy {
	return Policy{
		Name:        "image-tag",
		Description: "Deployments must pin an image tag or digest",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deployment", "image"},
		Rego: `package stratus.policies.image

import rego.v1

deny contains violation if {
	d := input.resource.deployment
	d.image_name == ""
	violation := {
		"message": "deployment must name an image",
		"severity": "error",
	}
}

deny contains violation if {
	d := input.resource.deployment
	d.image_tag == ""
	not d.image_digest
	violation := {
		"message": sprintf("image %s has no tag or digest", [d.image_name]),
		"severity": "error",
		"remediation": "push the image with an explicit tag",
	}
}

deny contains violation if {
	d := input.resource.deployment
	d.image_tag == "latest"
	not d.image_digest
	violation := {
		"message": sprintf("image %s uses the mutable latest tag", [d.image_name]),
		"severity": "warning",
		"remediation": "deploy an immutable tag or a digest",
	}
}
`,
	}
}

// scaleBoundsPolicy keeps horizontal scale within 0 <= min <= max <= 256.
func scaleBoundsPolicy() Policy {
	return Policy{
		Name:        "scale-bounds",
		Description: "Deployment horizontal scale must satisfy 0 <= min <= max <= 256",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deployment", "scaling"},
		Rego: `package stratus.policies.scale

import rego.v1

max_scale := 256

deny contains violation if {
	d := input.resource.deployment
	d.min_horizontal_scale < 0
	violation := {
		"message": sprintf("min horizontal scale %d is negative", [d.min_horizontal_scale]),
		"severity": "error",
	}
}

deny contains violation if {
	d := input.resource.deployment
	d.min_horizontal_scale > d.max_horizontal_scale
	violation := {
		"message": sprintf("min horizontal scale %d exceeds max %d", [d.min_horizontal_scale, d.max_horizontal_scale]),
		"severity": "error",
	}
}

deny contains violation if {
	d := input.resource.deployment
	d.max_horizontal_scale > max_scale
	violation := {
		"message": sprintf("max horizontal scale %d exceeds %d", [d.max_horizontal_scale, max_scale]),
		"severity": "error",
	}
}
`,
	}
}

// portsPolicy validates exposed ports and the probes that target them.
func portsPolicy() Policy {
	return Policy{
		Name:        "ports",
		Description: "Deployment ports must be unique, in 1..65535, with a known protocol; probes must target an exposed port",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deployment", "network"},
		Rego: `package stratus.policies.ports

import rego.v1

protocols := {"tcp", "udp", "http"}

valid_port(p) if {
	p >= 1
	p <= 65535
}

exposed contains to_number(port) if {
	some port, _ in input.resource.deployment.ports
}

deny contains violation if {
	some port, _ in input.resource.deployment.ports
	not valid_port(to_number(port))
	violation := {
		"message": sprintf("port %s is outside 1..65535", [port]),
		"severity": "error",
	}
}

deny contains violation if {
	some port, protocol in input.resource.deployment.ports
	not protocol in protocols
	violation := {
		"message": sprintf("port %s has unknown protocol %v", [port, protocol]),
		"severity": "error",
	}
}

deny contains violation if {
	d := input.resource.deployment
	count(d.ports) != count(exposed)
	violation := {
		"message": "deployment ports must be unique",
		"severity": "error",
	}
}

deny contains violation if {
	some name in ["startup_probe", "liveness_probe"]
	probe := input.resource.deployment[name]
	not probe.port in exposed
	violation := {
		"message": sprintf("%s targets port %d which is not exposed", [name, probe.port]),
		"severity": "error",
	}
}
`,
	}
}

// managedURLPolicy requires a routable host and a complete target.
func managedURLPolicy() Policy {
	return Policy{
		Name:        "managed-url",
		Description: "Managed URLs must have a host and a complete target",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"managed_url", "network"},
		Rego: `package stratus.policies.managed_url

import rego.v1

deny contains violation if {
	m := input.resource.managed_url
	m.domain == ""
	violation := {
		"message": "managed URL must have a domain",
		"severity": "error",
	}
}

deny contains violation if {
	m := input.resource.managed_url
	m.path != ""
	not startswith(m.path, "/")
	violation := {
		"message": sprintf("managed URL path %q must start with /", [m.path]),
		"severity": "error",
	}
}

deny contains violation if {
	m := input.resource.managed_url
	m.target == "proxy_deployment"
	not m.deployment_id
	violation := {
		"message": "proxy_deployment target needs a deployment",
		"severity": "error",
	}
}

deny contains violation if {
	m := input.resource.managed_url
	m.target == "proxy_static_site"
	not m.static_site_id
	violation := {
		"message": "proxy_static_site target needs a static site",
		"severity": "error",
	}
}

deny contains violation if {
	m := input.resource.managed_url
	m.target in {"proxy_url", "redirect"}
	not m.url
	violation := {
		"message": sprintf("%s target needs a URL", [m.target]),
		"severity": "error",
	}
}
`,
	}
}

// databasePlanPolicy flags undersized database plans.
func databasePlanPolicy() Policy {
	return Policy{
		Name:        "database-plan",
		Description: "Managed databases need a volume and at least 256MB of memory",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"database"},
		Rego: `package stratus.policies.database

import rego.v1

deny contains violation if {
	plan := input.resource.database.plan
	plan.volume_gb < 1
	violation := {
		"message": "database plan needs a volume of at least 1GB",
		"severity": "error",
	}
}

deny contains violation if {
	plan := input.resource.database.plan
	plan.memory_mb < 256
	violation := {
		"message": sprintf("database plan memory %dMB is below 256MB", [plan.memory_mb]),
		"severity": "warning",
	}
}
`,
	}
}
