/*
Package types defines the persisted object model of the cluster: the
ConfigData root, the Cluster/Node/NodeGroup/Instance/Network entities it
holds, and the Job/opcode records the queue durably tracks.

Everything here is plain data. Behavior lives with the owning component:
the config store (pkg/config) serializes and persists ConfigData, the
job queue (pkg/jobqueue) owns Job lifecycle, the processor (pkg/mcpu)
interprets opcode payloads. Keeping the types free of methods with side
effects is what lets every component share one vocabulary without import
cycles.

Serialization is JSON throughout — the on-disk config.data format, the
queue's job files, and the LUXI/RAPI wire all reuse these structs.
Set-valued fields (tags, a group's network names) serialize as arrays
whose order carries no meaning.

Disk is a tagged union: DevType selects which of the payload pointers
(Plain, DRBD8, File) is populated. A DRBD8 disk holds exactly two
children (data and metadata) in a fixed-size array; that both are plain
volumes is a convention the type itself does not enforce.
*/
package types
