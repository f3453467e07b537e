package probe

// The feature bits follow arch/x86/include/asm/cpufeatures.h in Linux and
// the leaves KVM fills in arch/x86/kvm/cpuid.c.

type feature struct {
	bit  uint
	name string
}

type register struct {
	name            string
	function, index uint32
	reg             string
	features        []feature
}

var f1ECX = []feature{
	{0, "pni"}, {1, "pclmulqdq"}, {3, "monitor"}, {5, "vmx"}, {9, "ssse3"},
	{12, "fma"}, {13, "cx16"}, {17, "pcid"}, {19, "sse4_1"}, {20, "sse4_2"},
	{21, "x2apic"}, {22, "movbe"}, {23, "popcnt"}, {24, "tsc_deadline_timer"},
	{25, "aes"}, {26, "xsave"}, {28, "avx"}, {29, "f16c"}, {30, "rdrand"},
	{31, "hypervisor"},
}

var f1EDX = []feature{
	{0, "fpu"}, {1, "vme"}, {2, "de"}, {3, "pse"}, {4, "tsc"}, {5, "msr"},
	{6, "pae"}, {7, "mce"}, {8, "cx8"}, {9, "apic"}, {11, "sep"}, {12, "mtrr"},
	{13, "pge"}, {14, "mca"}, {15, "cmov"}, {16, "pat"}, {17, "pse36"},
	{18, "pn"}, {19, "clflush"}, {21, "dts"}, {22, "acpi"}, {23, "mmx"},
	{24, "fxsr"}, {25, "sse"}, {26, "sse2"}, {27, "ss"}, {28, "ht"},
	{29, "tm"}, {30, "ia64"}, {31, "pbe"},
}

var f7EBX = []feature{
	{0, "fsgsbase"}, {3, "bmi1"}, {4, "hle"}, {5, "avx2"}, {7, "smep"},
	{8, "bmi2"}, {9, "erms"}, {10, "invpcid"}, {11, "rtm"}, {16, "avx512f"},
	{18, "rdseed"}, {19, "adx"}, {20, "smap"}, {23, "clflushopt"},
	{24, "clwb"}, {29, "sha_ni"},
}

var f7EDX = []feature{
	{2, "avx512_4vnniw"}, {3, "avx512_4fmaps"}, {4, "fsrm"},
	{8, "avx512_vp2intersect"}, {9, "srbds_ctrl"}, {10, "md_clear"},
	{11, "rtm_always_abort"}, {13, "tsx_force_abort"}, {14, "serialize"},
	{15, "hybrid_cpu"}, {16, "tsxldtrk"}, {18, "pconfig"}, {19, "arch_lbr"},
	{20, "ibt"}, {22, "amx_bf16"}, {23, "avx512_fp16"}, {24, "amx_tile"},
	{25, "amx_int8"}, {26, "spec_ctrl"}, {27, "intel_stibp"},
	{28, "flush_l1d"}, {29, "arch_capabilities"}, {30, "core_capabilities"},
	{31, "spec_ctrl_ssbd"},
}

var registers = []register{
	{"F_1_Ecx", 1, 0, "ecx", f1ECX},
	{"F_1_Edx", 1, 0, "edx", f1EDX},
	{"F_7_0_Ebx", 7, 0, "ebx", f7EBX},
	{"F_7_0_Edx", 7, 0, "edx", f7EDX},
}
